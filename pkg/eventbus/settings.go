package eventbus

// Settings holds the consultation event bus transport configuration.
// With Enabled false the bus runs on an in-process Go channel.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr"`
	Group    string `mapstructure:"redis-group"`
	Consumer string `mapstructure:"redis-consumer"`
}

func (s Settings) withDefaults() Settings {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "ehosp"
	}
	if s.Consumer == "" {
		s.Consumer = "ehosp-1"
	}
	return s
}

package imapengine

import "context"

// Probe opens a real connection with cfg, authenticates, and closes it.
// Used by internal/autoconfig to validate a candidate configuration
// without a mock transport.
func Probe(ctx context.Context, cfg Config) error {
	client := NewClient(cfg)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Login(); err != nil {
		return err
	}
	return nil
}

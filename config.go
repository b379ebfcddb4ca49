package parley

import "github.com/hkdb/parley/internal/store"

// GetConfig returns one configuration value (spec.md §6 get_config).
// Unrecognized keys come back as an ErrorKindProgramming error.
func (a *Account) GetConfig(key string) (string, error) {
	value, err := a.store.GetConfig(key)
	if err != nil {
		return "", classifyErr("get config", err)
	}
	return value, nil
}

// SetConfig sets one configuration value (spec.md §6 set_config).
// Unrecognized keys come back as an ErrorKindProgramming error; mail_pw
// and send_pw are sealed at rest by the store layer.
func (a *Account) SetConfig(key, value string) error {
	if err := a.store.SetConfig(key, value); err != nil {
		return classifyErr("set config", err)
	}
	if key == store.ConfigAddr {
		a.mu.Lock()
		a.selfAddress = value
		a.mu.Unlock()
	}
	return nil
}

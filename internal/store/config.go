package store

import (
	"database/sql"
	"fmt"
)

// Recognized configuration keys (spec.md §4.H: "a closed set of recognized
// keys"). Unknown keys are rejected by SetConfig.
const (
	ConfigAddr                = "addr"
	ConfigMailPw              = "mail_pw"
	ConfigMailServer          = "mail_server"
	ConfigMailPort            = "mail_port"
	ConfigMailSecurity        = "mail_security" // auto|strict|accept-invalid
	ConfigSendServer          = "send_server"
	ConfigSendPort            = "send_port"
	ConfigSendSecurity        = "send_security"
	ConfigSendPw              = "send_pw"
	ConfigDisplayName         = "displayname"
	ConfigSelfstatus          = "selfstatus"
	ConfigE2eeEnabled         = "e2ee_enabled"
	ConfigMdnsEnabled         = "mdns_enabled"
	ConfigBccSelf             = "bcc_self"
	ConfigDeleteServerAfter   = "delete_server_after"
	ConfigDeleteDeviceAfter   = "delete_device_after"
	ConfigShowEmails          = "show_emails" // off|accepted-contacts|all
	ConfigSentboxWatch        = "sentbox_watch"
	ConfigMvboxMove           = "mvbox_move"
	ConfigConfigured          = "configured"
	ConfigConfiguredAddr      = "configured_addr"
	ConfigIsConfigured        = "is_configured"
)

var recognizedConfigKeys = map[string]bool{
	ConfigAddr: true, ConfigMailPw: true, ConfigMailServer: true, ConfigMailPort: true,
	ConfigMailSecurity: true, ConfigSendServer: true, ConfigSendPort: true,
	ConfigSendSecurity: true, ConfigSendPw: true, ConfigDisplayName: true,
	ConfigSelfstatus: true, ConfigE2eeEnabled: true, ConfigMdnsEnabled: true,
	ConfigBccSelf: true, ConfigDeleteServerAfter: true, ConfigDeleteDeviceAfter: true,
	ConfigShowEmails: true, ConfigSentboxWatch: true, ConfigMvboxMove: true,
	ConfigConfigured: true, ConfigConfiguredAddr: true, ConfigIsConfigured: true,
}

// secretConfigKeys are sealed at rest because they hold server credentials.
var secretConfigKeys = map[string]bool{
	ConfigMailPw: true,
	ConfigSendPw: true,
}

// ErrUnknownConfigKey is returned by SetConfig/GetConfig for an
// unrecognized key (a programming error per spec.md §7 kind 5).
var ErrUnknownConfigKey = fmt.Errorf("store: unknown config key")

// SetConfig sets a configuration value, rejecting unrecognized keys.
func (s *Store) SetConfig(key, value string) error {
	if !recognizedConfigKeys[key] {
		return fmt.Errorf("%w: %s", ErrUnknownConfigKey, key)
	}

	stored := value
	if secretConfigKeys[key] && value != "" {
		sealed, err := s.Seal([]byte(value))
		if err != nil {
			return fmt.Errorf("store: seal config %s: %w", key, err)
		}
		stored = string(sealed)
	}

	_, err := s.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, stored,
	)
	return err
}

// GetConfig retrieves a configuration value, returning "" if unset.
func (s *Store) GetConfig(key string) (string, error) {
	if !recognizedConfigKeys[key] {
		return "", fmt.Errorf("%w: %s", ErrUnknownConfigKey, key)
	}

	var value string
	err := s.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if secretConfigKeys[key] && value != "" {
		plain, err := s.Unseal([]byte(value))
		if err != nil {
			return "", fmt.Errorf("store: unseal config %s: %w", key, err)
		}
		return string(plain), nil
	}
	return value, nil
}

// IsConfigured reports whether the account has completed configure().
// Backup import is refused unless this is false (spec.md §4.H).
func (s *Store) IsConfigured() (bool, error) {
	v, err := s.GetConfig(ConfigIsConfigured)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

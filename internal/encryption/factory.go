package encryption

import (
	"fmt"

	"zbackup/internal/backup"
	"zbackup/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// The "none" type returns a nil Encryptor: archives are stored unencrypted.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (backup.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		e, err := NewAgeEncryptor(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

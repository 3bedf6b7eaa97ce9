package smtp

import (
	"errors"
	"io/fs"

	"github.com/kref/smtpsink/helpers"
)

// fileConfig mirrors the recognized configuration keys. Sink is
// deliberately absent: it's a Go value supplied by the embedding program,
// never JSON.
type fileConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Name            string `json:"name"`
	MaxMessageBytes int    `json:"maxMessageBytes"`
	MailboxDir      string `json:"mailboxDir"`
}

// LoadConfigFile decodes a JSON document at path into a Config, leaving
// any field the document omits at its documented default (localhost,
// 1025, test). A missing file is not an error: it yields the all-default
// Config, matching the "defaults first, override from file" pattern the
// rest of this codebase uses for file-backed settings.
//
// MailboxDir is returned separately since it configures the default
// mailbox Sink (see package mailbox), not the Config itself; Sink must
// still be set by the caller.
func LoadConfigFile(path string) (config Config, mailboxDir string, err error) {
	var fc fileConfig
	if path != "" {
		if loadErr := helpers.DecodeFile(path, &fc); loadErr != nil {
			if errors.Is(loadErr, fs.ErrNotExist) {
				return Config{}.withDefaults(), "", nil
			}
			return Config{}, "", loadErr
		}
	}
	return Config{
		Host:            fc.Host,
		Port:            fc.Port,
		Name:            fc.Name,
		MaxMessageBytes: fc.MaxMessageBytes,
	}.withDefaults(), fc.MailboxDir, nil
}

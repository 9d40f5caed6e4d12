package workspace

import (
	"keel/internal/errors"

	"gopkg.in/ini.v1"
)

const (
	sectionWorkspace = "workspace"
	sectionRemote    = "remote"
)

// Config is the per-workspace configuration kept in .keel/config.
type Config struct {
	// ID identifies the workspace in locks and commit requests.
	ID    string
	Owner string

	RemoteURL  string
	Repository string
}

func (c Config) Validate() error {
	details := map[string]string{}
	if c.ID == "" {
		details["id"] = "required"
	}
	if c.Owner == "" {
		details["owner"] = "required"
	}
	if len(details) > 0 {
		return errors.ValidationError("invalid workspace configuration", details)
	}
	return nil
}

// LoadConfig reads the ini file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Storage(err, "loading workspace configuration")
	}
	ws := f.Section(sectionWorkspace)
	remote := f.Section(sectionRemote)
	c := &Config{
		ID:         ws.Key("id").String(),
		Owner:      ws.Key("owner").String(),
		RemoteURL:  remote.Key("url").String(),
		Repository: remote.Key("repository").String(),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c to path as ini.
func (c Config) Save(path string) error {
	f := ini.Empty()
	sections := []struct {
		name string
		keys map[string]string
	}{
		{sectionWorkspace, map[string]string{"id": c.ID, "owner": c.Owner}},
		{sectionRemote, map[string]string{"url": c.RemoteURL, "repository": c.Repository}},
	}
	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return errors.Internal(err, "creating section %s", s.name)
		}
		for k, v := range s.keys {
			if _, err := sec.NewKey(k, v); err != nil {
				return errors.Internal(err, "setting %s.%s", s.name, k)
			}
		}
	}
	if err := f.SaveTo(path); err != nil {
		return errors.Storage(err, "saving workspace configuration")
	}
	return nil
}

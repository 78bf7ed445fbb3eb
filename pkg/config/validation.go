package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks structural validity (struct tags) and cross-field
// consistency that tags cannot express: unique listener ids and ports,
// unique partner ids, well-formed file patterns, TLS completeness.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	seenIDs := make(map[string]struct{}, len(cfg.Listeners))
	seenPorts := make(map[int]string, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		id := strings.ToUpper(l.ServerID)
		if _, dup := seenIDs[id]; dup {
			return fmt.Errorf("duplicate listener server_id %q", l.ServerID)
		}
		seenIDs[id] = struct{}{}

		if other, dup := seenPorts[l.Port]; dup {
			return fmt.Errorf("listeners %q and %q share port %d", other, l.ServerID, l.Port)
		}
		seenPorts[l.Port] = l.ServerID

		if err := validateListenerTLS(l); err != nil {
			return err
		}
	}

	seenPartners := make(map[string]struct{}, len(cfg.Partners))
	for _, p := range cfg.Partners {
		id := strings.ToUpper(p.ID)
		if _, dup := seenPartners[id]; dup {
			return fmt.Errorf("duplicate partner id %q", p.ID)
		}
		seenPartners[id] = struct{}{}
	}

	for _, f := range cfg.Files {
		if f.Filename == "" && f.Pattern == "" {
			return fmt.Errorf("file record needs a filename or a pattern")
		}
		if f.Pattern != "" {
			// path.Match reports malformed patterns regardless of input.
			if _, err := path.Match(f.Pattern, "probe"); err != nil {
				return fmt.Errorf("file pattern %q: %w", f.Pattern, err)
			}
		}
	}

	return nil
}

func validateListenerTLS(l ListenerConfig) error {
	if !l.TLS.Enabled {
		return nil
	}
	if l.TLS.CertFile == "" || l.TLS.KeyFile == "" {
		return fmt.Errorf("listener %q: tls enabled but cert_file or key_file missing", l.ServerID)
	}
	if l.TLS.ClientAuth && l.TLS.TrustFile == "" {
		return fmt.Errorf("listener %q: client_auth requires trust_file", l.ServerID)
	}
	return nil
}

package account

import (
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// Preset is the fixed endpoint configuration for one known provider.
type Preset struct {
	IMAPHost    string
	IMAPPort    int
	SMTPHost    string
	SMTPPort    int
	IMAPTLSMode model.TLSMode
	SMTPTLSMode model.TLSMode

	// PreferredAuthMode is the default; password-mode presets reject
	// oauth2 and vice versa is allowed where the provider supports both.
	PreferredAuthMode model.AuthMode

	// TokenEndpoint is the OAuth2 token URL for oauth2-capable presets.
	TokenEndpoint string
}

// presets is the closed provider table. Custom is absent on purpose:
// custom accounts must supply every endpoint explicitly.
var presets = map[model.Provider]Preset{
	model.ProviderGmail: {
		IMAPHost:          "imap.gmail.com",
		IMAPPort:          993,
		SMTPHost:          "smtp.gmail.com",
		SMTPPort:          465,
		IMAPTLSMode:       model.TLSModeImplicit,
		SMTPTLSMode:       model.TLSModeImplicit,
		PreferredAuthMode: model.AuthModeOAuth2,
		TokenEndpoint:     "https://oauth2.googleapis.com/token",
	},
	model.ProviderOutlook: {
		IMAPHost:          "outlook.office365.com",
		IMAPPort:          993,
		SMTPHost:          "smtp.office365.com",
		SMTPPort:          587,
		IMAPTLSMode:       model.TLSModeImplicit,
		SMTPTLSMode:       model.TLSModeStartTLS,
		PreferredAuthMode: model.AuthModeOAuth2,
		TokenEndpoint:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	},
	model.ProviderWebDE: {
		IMAPHost:          "imap.web.de",
		IMAPPort:          993,
		SMTPHost:          "smtp.web.de",
		SMTPPort:          587,
		IMAPTLSMode:       model.TLSModeImplicit,
		SMTPTLSMode:       model.TLSModeStartTLS,
		PreferredAuthMode: model.AuthModePassword,
	},
	model.ProviderGMX: {
		IMAPHost:          "imap.gmx.net",
		IMAPPort:          993,
		SMTPHost:          "mail.gmx.net",
		SMTPPort:          587,
		IMAPTLSMode:       model.TLSModeImplicit,
		SMTPTLSMode:       model.TLSModeStartTLS,
		PreferredAuthMode: model.AuthModePassword,
	},
	model.ProviderYahoo: {
		IMAPHost:          "imap.mail.yahoo.com",
		IMAPPort:          993,
		SMTPHost:          "smtp.mail.yahoo.com",
		SMTPPort:          465,
		IMAPTLSMode:       model.TLSModeImplicit,
		SMTPTLSMode:       model.TLSModeImplicit,
		PreferredAuthMode: model.AuthModeOAuth2,
		TokenEndpoint:     "https://api.login.yahoo.com/oauth2/get_token",
	},
}

// PresetFor returns the fixed configuration for a preset provider.
func PresetFor(p model.Provider) (Preset, bool) {
	preset, ok := presets[p]
	return preset, ok
}

// applyPreset fills endpoint fields from the provider table. User-set
// values are not overridden for Custom; preset providers always use the
// fixed table values.
func applyPreset(acct *model.Account) error {
	if acct.Provider == model.ProviderCustom {
		return nil
	}

	preset, ok := presets[acct.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", acct.Provider)
	}

	acct.IMAPHost = preset.IMAPHost
	acct.IMAPPort = preset.IMAPPort
	acct.SMTPHost = preset.SMTPHost
	acct.SMTPPort = preset.SMTPPort
	acct.IMAPTLSMode = preset.IMAPTLSMode
	acct.SMTPTLSMode = preset.SMTPTLSMode
	if acct.AuthMode == "" {
		acct.AuthMode = preset.PreferredAuthMode
	}
	if acct.AuthMode == model.AuthModeOAuth2 {
		acct.TokenEndpoint = preset.TokenEndpoint
	}
	return nil
}

// validate checks an account record before it is persisted.
func validate(acct *model.Account) error {
	if acct.Address == "" {
		return fmt.Errorf("account address is required")
	}
	if acct.AuthMode != model.AuthModePassword && acct.AuthMode != model.AuthModeOAuth2 {
		return fmt.Errorf("invalid auth mode %q", acct.AuthMode)
	}
	if acct.AuthMode == model.AuthModeOAuth2 && acct.TokenEndpoint == "" {
		return fmt.Errorf("oauth2 accounts require a token endpoint")
	}

	if acct.Provider == model.ProviderCustom {
		if acct.IMAPHost == "" || acct.SMTPHost == "" {
			return fmt.Errorf("custom accounts require IMAP and SMTP hosts")
		}
		for _, port := range []int{acct.IMAPPort, acct.SMTPPort} {
			if port < 1 || port > 65535 {
				return fmt.Errorf("port %d out of range", port)
			}
		}
		switch acct.IMAPTLSMode {
		case model.TLSModeImplicit, model.TLSModeStartTLS:
		default:
			return fmt.Errorf("invalid IMAP TLS mode %q", acct.IMAPTLSMode)
		}
		switch acct.SMTPTLSMode {
		case model.TLSModeImplicit, model.TLSModeStartTLS:
		default:
			return fmt.Errorf("invalid SMTP TLS mode %q", acct.SMTPTLSMode)
		}
	}

	return nil
}

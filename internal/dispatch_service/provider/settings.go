package provider

import (
	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/config"
)

// SettingsFromConfig builds registry settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	specs := make([]BackendSpec, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		specs = append(specs, BackendSpec{
			Name:    b.Name,
			Channel: core_domain.Channel(b.Channel),
			Variant: Variant(b.Variant),
		})
	}
	return Settings{
		Backends: specs,
		Operator: OperatorConfig{
			Username:   cfg.Operator.Username,
			Password:   cfg.Operator.Password,
			UniqPrefix: cfg.Operator.UniqPrefix,
			SMSURL:     cfg.Operator.SMSURL,
			VoiceURL:   cfg.Operator.VoiceURL,
			Timeout:    cfg.Operator.Timeout,
		},
		SNS: SNSConfig{
			AccessKeyID:     cfg.SNS.AccessKeyID,
			SecretAccessKey: cfg.SNS.SecretAccessKey,
			Region:          cfg.SNS.Region,
			SenderID:        cfg.SNS.SenderID,
			Endpoint:        cfg.SNS.Endpoint,
			MaxTPS:          cfg.SNS.MaxTPS,
		},
		Mandrill: MandrillConfig{
			APIKey:    cfg.Mandrill.APIKey,
			URL:       cfg.Mandrill.URL,
			FromEmail: cfg.Mandrill.FromEmail,
			FromName:  cfg.Mandrill.FromName,
			Timeout:   cfg.Mandrill.Timeout,
		},
	}
}

package notifier

import "errors"

// BuildChannels returns the channels that cfg fully configures. A channel with
// partial settings is reported in the returned error and left out.
func BuildChannels(cfg Config) ([]Channel, error) {
	var (
		out  []Channel
		errs []error
	)
	if cfg.Telegram.Token != "" || cfg.Telegram.ChatID != 0 {
		if tg, err := NewTelegram(cfg.Telegram); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, tg)
		}
	}
	if cfg.Email.Enabled {
		if em, err := NewEmail(cfg.Email); err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, em)
		}
	}
	return out, errors.Join(errs...)
}

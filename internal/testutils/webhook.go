/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package testutils

import (
	"context"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

// Webhook is a WebhookSink fake that records dispatched events and
// returns the configured override.
type Webhook struct {
	InstName string

	DispatchErr error
	Override    *module.WebhookOverride

	Events []*module.WebhookEvent
}

func (w *Webhook) Init(*config.Map) error {
	return nil
}

func (w *Webhook) Name() string {
	return "test_webhook"
}

func (w *Webhook) InstanceName() string {
	if w.InstName != "" {
		return w.InstName
	}
	return "test_webhook"
}

func (w *Webhook) Dispatch(ctx context.Context, ev *module.WebhookEvent) (*module.WebhookOverride, error) {
	w.Events = append(w.Events, ev)
	return w.Override, w.DispatchErr
}

func init() {
	module.Register("test_webhook", func(_, _ string, _, _ []string) (module.Module, error) {
		return &Webhook{}, nil
	})
	module.RegisterInstance(&Webhook{}, nil)
}

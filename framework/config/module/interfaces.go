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

package modconfig

import (
	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

// DeliveryDirective is a callback for use in config.Map.Custom.
//
// It does all work necessary to create a module instance from the config
// directive with the following structure:
// directive_name mod_name [inst_name] [{
//   inline_mod_config
// }]
//
// Note that if used configuration structure lacks directive_name before mod_name - this function
// should not be used (call DeliveryTarget directly).
func DeliveryDirective(m *config.Map, node config.Node) (interface{}, error) {
	return DeliveryTarget(m.Globals, node.Args, node)
}

func DeliveryTarget(globals map[string]interface{}, args []string, block config.Node) (module.DeliveryTarget, error) {
	var target module.DeliveryTarget
	if err := ModuleFromNode("target", args, block, globals, &target); err != nil {
		return nil, err
	}
	return target, nil
}

func MessageScanner(globals map[string]interface{}, args []string, block config.Node) (module.Scanner, error) {
	var scanner module.Scanner
	if err := ModuleFromNode("scan", args, block, globals, &scanner); err != nil {
		return nil, err
	}
	return scanner, nil
}

func MessageScorer(globals map[string]interface{}, args []string, block config.Node) (module.Scorer, error) {
	var scorer module.Scorer
	if err := ModuleFromNode("scan", args, block, globals, &scorer); err != nil {
		return nil, err
	}
	return scorer, nil
}

func WebhookDirective(m *config.Map, node config.Node) (interface{}, error) {
	var sink module.WebhookSink
	if err := ModuleFromNode("webhook", node.Args, node, m.Globals, &sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func StorageDirective(m *config.Map, node config.Node) (interface{}, error) {
	var store module.BlobStore
	if err := ModuleFromNode("storage", node.Args, node, m.Globals, &store); err != nil {
		return nil, err
	}
	return store, nil
}

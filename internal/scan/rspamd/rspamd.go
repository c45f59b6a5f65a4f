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

// Package rspamd implements scan.rspamd module that submits the accepted
// message to a rspamd instance and reports the returned spam score.
package rspamd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"

	"github.com/emersion/go-message/textproto"

	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/config"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "scan.rspamd"

type Scorer struct {
	instName string
	log      log.Logger

	apiPath    string
	settingsID string
	tag        string
	mtaName    string

	client *http.Client
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &Scorer{
		instName: instName,
		client:   http.DefaultClient,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}

	switch len(inlineArgs) {
	case 1:
		s.apiPath = inlineArgs[0]
	case 0:
		s.apiPath = "http://127.0.0.1:11333"
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
	}

	return s, nil
}

func (s *Scorer) Name() string {
	return modName
}

func (s *Scorer) InstanceName() string {
	return s.instName
}

func (s *Scorer) Init(cfg *config.Map) error {
	var tlsConfig tls.Config

	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return tls.Config{}, nil
	}, tls2.TLSClientBlock, &tlsConfig)
	cfg.String("api_path", false, false, s.apiPath, &s.apiPath)
	cfg.String("settings_id", false, false, "", &s.settingsID)
	cfg.String("tag", false, false, "maitred", &s.tag)
	cfg.String("hostname", true, false, "", &s.mtaName)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	s.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tlsConfig,
		},
	}

	return nil
}

func addConnHeaders(r *http.Request, meta *module.MsgMetadata) {
	r.Header.Add("From", meta.OriginalFrom)
	r.Header.Add("Queue-ID", meta.ID)

	conn := meta.Conn
	if conn == nil {
		return
	}

	if conn.AuthUser != "" {
		r.Header.Add("User", conn.AuthUser)
	}

	if host, _, err := net.SplitHostPort(conn.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			r.Header.Add("IP", ip.String())
		}
	}
	r.Header.Add("Helo", conn.Hostname)
	if conn.RDNS != "" {
		r.Header.Add("Hostname", conn.RDNS)
	}

	if conn.TLS.Negotiated {
		r.Header.Add("TLS-Cipher", conn.TLS.Cipher)
		r.Header.Add("TLS-Version", conn.TLS.Version)
	}
}

func (s *Scorer) Score(ctx context.Context, msgMeta *module.MsgMetadata, hdr textproto.Header, body buffer.Buffer) (module.ScoreResult, error) {
	bodyR, err := body.Open()
	if err != nil {
		return module.ScoreResult{}, exterrors.WithFields(err, map[string]interface{}{"scanner": modName})
	}
	defer bodyR.Close()

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, hdr); err != nil {
		return module.ScoreResult{}, exterrors.WithFields(err, map[string]interface{}{"scanner": modName})
	}

	r, err := http.NewRequestWithContext(ctx, "POST", s.apiPath+"/checkv2", io.MultiReader(&buf, bodyR))
	if err != nil {
		return module.ScoreResult{}, exterrors.WithFields(err, map[string]interface{}{"scanner": modName})
	}

	r.Header.Add("Pass", "all")
	r.Header.Add("User-Agent", "maitred")
	if s.tag != "" {
		r.Header.Add("MTA-Tag", s.tag)
	}
	if s.settingsID != "" {
		r.Header.Add("Settings-ID", s.settingsID)
	}
	if s.mtaName != "" {
		r.Header.Add("MTA-Name", s.mtaName)
	}

	addConnHeaders(r, msgMeta)
	r.Header.Add("Content-Length", strconv.Itoa(body.Len()))

	resp, err := s.client.Do(r)
	if err != nil {
		return module.ScoreResult{}, exterrors.WithTemporary(
			exterrors.WithFields(err, map[string]interface{}{"scanner": modName}), true)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return module.ScoreResult{}, exterrors.WithTemporary(
			exterrors.WithFields(fmt.Errorf("HTTP %d", resp.StatusCode),
				map[string]interface{}{"scanner": modName}), true)
	}

	var respData response
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return module.ScoreResult{}, exterrors.WithTemporary(
			exterrors.WithFields(err, map[string]interface{}{"scanner": modName}), true)
	}

	symbols := make([]string, 0, len(respData.Symbols))
	for name := range respData.Symbols {
		symbols = append(symbols, name)
	}
	sort.Strings(symbols)

	s.log.DebugMsg("scored message", "score", respData.Score, "action", respData.Action, "msg_id", msgMeta.ID)

	return module.ScoreResult{
		Score:   respData.Score,
		Symbols: symbols,
	}, nil
}

type response struct {
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
	Subject string  `json:"subject"`
	Symbols map[string]struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"symbols"`
}

var _ module.Scorer = &Scorer{}

func init() {
	module.Register(modName, New)
}

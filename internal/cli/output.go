// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mobiletoly/go-twosync/twosync"
	"gopkg.in/yaml.v3"
)

type issueView struct {
	Direction  string `yaml:"direction"`
	EntityType string `yaml:"entityType"`
	GlobalID   string `yaml:"globalId"`
	Reason     string `yaml:"reason"`
	Detail     string `yaml:"detail,omitempty"`
}

type statsView struct {
	Fetched  int `yaml:"fetched"`
	Inserted int `yaml:"inserted"`
	Updated  int `yaml:"updated"`
	Skipped  int `yaml:"skipped"`
}

type resultView struct {
	Issues      []issueView          `yaml:"issues"`
	Stats       map[string]statsView `yaml:"stats"`
	ElapsedMs   int64                `yaml:"elapsedMs"`
	CompletedAt string               `yaml:"completedAt"`
}

func writeResult(w io.Writer, format string, res *twosync.Result) error {
	switch format {
	case "yaml":
		view := resultView{
			Issues:      make([]issueView, 0, len(res.Issues)),
			Stats:       make(map[string]statsView, len(res.Stats)),
			ElapsedMs:   res.Elapsed.Milliseconds(),
			CompletedAt: res.CompletedAt.UTC().Format(time.RFC3339Nano),
		}
		for _, is := range res.Issues {
			view.Issues = append(view.Issues, issueView{
				Direction:  string(is.Direction),
				EntityType: string(is.EntityType),
				GlobalID:   is.GlobalID.String(),
				Reason:     is.Reason,
				Detail:     is.Detail,
			})
		}
		for _, t := range res.Types() {
			st := res.StatsFor(t)
			view.Stats[string(t)] = statsView(st)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

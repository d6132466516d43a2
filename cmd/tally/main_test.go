// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cli runs commands against a private data directory and key.
type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TALLY_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("TALLY_KEY_FILE", filepath.Join(dir, "key"))
	t.Setenv("TALLY_LOG_LEVEL", "error")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	return &cli{t: t, dir: dir}
}

func (c *cli) run(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	args = append([]string{"--config", filepath.Join(c.dir, "config.yaml")}, args...)
	err := execute(args, &out, &errOut)
	return out.String(), errOut.String(), err
}

// json runs a command in JSON mode and decodes its result.
func (c *cli) json(args ...string) map[string]any {
	c.t.Helper()
	out, errOut, err := c.run(append(args, "--output", "json")...)
	require.NoError(c.t, err, errOut)
	var v map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCLI_Keygen(t *testing.T) {
	c := newCLI(t)

	first := c.json("keygen")
	assert.Len(t, first["author"], 64)
	assert.Equal(t, filepath.Join(c.dir, "key"), first["key_file"])

	_, _, err := c.run("keygen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	second := c.json("keygen", "--force")
	assert.NotEqual(t, first["author"], second["author"])
}

func TestCLI_MissingKey(t *testing.T) {
	c := newCLI(t)

	_, errOut, err := c.run("subject", "create", "--type", "package", "--name", "left-pad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tally keygen")
	assert.Contains(t, errOut, "ERROR:")
}

func TestCLI_BadInput(t *testing.T) {
	c := newCLI(t)
	c.json("keygen")

	tests := []struct {
		name string
		args []string
	}{
		{"output mode", []string{"keygen", "--output", "yaml"}},
		{"address", []string{"subject", "show", "not-an-address"}},
		{"field", []string{"subject", "create", "--type", "t", "--name", "n", "--field", "novalue"}},
		{"subject type", []string{"subject", "create", "--type", "npm package", "--name", "n"}},
		{"rating category", []string{"review", "create", "--subject", strings.Repeat("ab", 32), "--rating", "build speed=3"}},
		{"kind", []string{"summary", "assemble", "--kind", "vote", "00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.run(tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_ReviewSummaryWorkflow(t *testing.T) {
	c := newCLI(t)
	c.json("keygen")
	otherKey := filepath.Join(c.dir, "other-key")
	c.json("keygen", "--key", otherKey)

	subject := c.json("subject", "create", "--type", "package", "--name", "left-pad", "--field", "lang=js")
	subjectAddr := subject["origin"].(string)
	assert.Equal(t, "entity", subject["kind"])

	review := c.json("review", "create", "--subject", subjectAddr, "--rating", "quality=8", "-m", "solid")
	c.json("review", "create", "--key", otherKey, "--subject", subjectAddr, "--rating", "Quality=4")

	t.Run("assemble", func(t *testing.T) {
		v := c.json("summary", "assemble", subjectAddr)
		s := v["summary"].(map[string]any)
		assert.EqualValues(t, 2, s["factored_action_count"])
		stats := s["stats"].(map[string]any)["quality"].(map[string]any)
		assert.EqualValues(t, 6, stats["average"])
		assert.EqualValues(t, 4, stats["median"])
	})

	var published string
	t.Run("publish and show", func(t *testing.T) {
		v := c.json("summary", "publish", subjectAddr)
		assert.Equal(t, "review_summary", v["kind"])
		published = v["head"].(string)

		shown := c.json("summary", "show", subjectAddr)
		assert.Equal(t, published, shown["record"])

		valid := c.json("summary", "validate", published)
		assert.Equal(t, true, valid["valid"])
	})

	t.Run("republish unchanged is rejected", func(t *testing.T) {
		_, _, err := c.run("summary", "publish", subjectAddr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not an improvement")
	})

	t.Run("edit then republish", func(t *testing.T) {
		edited := c.json("review", "edit", review["origin"].(string), "--rating", "quality=10")
		assert.EqualValues(t, 1, edited["depth"])
		content := edited["content"].(map[string]any)
		assert.Equal(t, "solid", content["message"])

		v := c.json("summary", "publish", subjectAddr)
		assert.EqualValues(t, 1, v["depth"])
		s := v["content"].(map[string]any)
		assert.EqualValues(t, 3, s["factored_action_count"])
	})

	t.Run("editing someone else's review fails", func(t *testing.T) {
		_, _, err := c.run("review", "edit", review["origin"].(string), "--key", otherKey, "-m", "mine now")
		assert.Error(t, err)
	})

	t.Run("text output", func(t *testing.T) {
		out, _, err := c.run("summary", "show", subjectAddr, "--output", "text")
		require.NoError(t, err)
		assert.Contains(t, out, "Current summary")
		assert.Contains(t, out, "quality: avg 7.00, median 4, n=2")
	})
}

func TestCLI_ReactionsAndTrace(t *testing.T) {
	c := newCLI(t)
	c.json("keygen")

	subject := c.json("subject", "create", "--type", "app", "--name", "notes")
	subjectAddr := subject["origin"].(string)

	like := c.json("react", "create", "--subject", subjectAddr, "--type", "1")
	c.json("react", "create", "--subject", subjectAddr, "--type", "2")
	edited := c.json("react", "edit", like["origin"].(string), "--type", "3")

	s := c.json("summary", "assemble", subjectAddr, "--kind", "reaction")["summary"].(map[string]any)
	assert.EqualValues(t, 3, s["factored_action_count"])
	assert.Equal(t, map[string]any{"2": float64(1), "3": float64(1)}, s["type_counts"])

	t.Run("trace origin", func(t *testing.T) {
		v := c.json("trace", "origin", edited["head"].(string))
		assert.Equal(t, like["origin"], v["address"])
		assert.EqualValues(t, 1, v["depth"])
	})

	t.Run("trace lineage", func(t *testing.T) {
		out, errOut, err := c.run("trace", "lineage", edited["head"].(string), "--output", "json")
		require.NoError(t, err, errOut)
		var steps []stepView
		require.NoError(t, json.Unmarshal([]byte(out), &steps))
		require.Len(t, steps, 2)
		assert.Equal(t, edited["head"], string(steps[0].Address))
		assert.Equal(t, like["origin"], string(steps[1].Address))
		assert.Equal(t, 0, steps[1].Depth)
	})

	t.Run("trace revisions", func(t *testing.T) {
		out, _, err := c.run("trace", "revisions", like["origin"].(string), "--output", "json")
		require.NoError(t, err)
		var revs []revisionView
		require.NoError(t, json.Unmarshal([]byte(out), &revs))
		require.Len(t, revs, 2)
		assert.Equal(t, "create", string(revs[0].Type))
		assert.Equal(t, "update", string(revs[1].Type))
	})

	t.Run("retract", func(t *testing.T) {
		c.json("react", "delete", like["origin"].(string))
		s := c.json("summary", "assemble", subjectAddr, "--kind", "reaction")["summary"].(map[string]any)
		assert.EqualValues(t, 3, s["factored_action_count"])
		assert.Equal(t, map[string]any{"2": float64(1)}, s["type_counts"])
	})

	t.Run("subject revisions keep identity", func(t *testing.T) {
		v := c.json("subject", "update", subjectAddr, "--field", "url=https://example.com")
		assert.Equal(t, subject["identity"], v["identity"])

		shown := c.json("subject", "show", v["head"].(string))
		fields := shown["content"].(map[string]any)["fields"].(map[string]any)
		assert.Equal(t, "https://example.com", fields["url"])

		c.json("subject", "delete", subjectAddr)
		shown = c.json("subject", "show", subjectAddr)
		assert.Equal(t, true, shown["deleted"])
	})
}

func TestServeMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tally_up 1\n")
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, ln, handler) }()

	t.Run("serves /metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "tally_up 1\n", string(body))
	})

	t.Run("other paths are not found", func(t *testing.T) {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	cancel()
	assert.NoError(t, <-done)
}

func TestCLI_ServeMetricsBadAddr(t *testing.T) {
	c := newCLI(t)

	_, _, err := c.run("serve-metrics", "--addr", "127.0.0.1:notaport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

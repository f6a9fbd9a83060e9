package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loykin/livesync/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printAs(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		return printJSON(w, v)
	case "yaml", "yml":
		return printYAML(w, v)
	}
	return fmt.Errorf("unsupported output format %q (use json or yaml)", format)
}

// parseData decodes a --data argument into a JSON object.
func parseData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("--data is required")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

// parseWhere parses field,op,value; value is JSON when it parses, else a string.
func parseWhere(raw []string) ([]client.Clause, error) {
	var out []client.Clause
	for _, w := range raw {
		parts := strings.SplitN(w, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("--where %q: expected field,op,value", w)
		}
		var v any
		if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
			v = parts[2]
		}
		out = append(out, client.Clause{
			Field:    strings.TrimSpace(parts[0]),
			Operator: strings.TrimSpace(parts[1]),
			Value:    v,
		})
	}
	return out, nil
}

func parseOrder(raw string) *client.Order {
	if raw == "" {
		return nil
	}
	field, dir, _ := strings.Cut(raw, ",")
	return &client.Order{Field: strings.TrimSpace(field), Direction: strings.TrimSpace(dir)}
}

// redactDSN hides the password of URL-style DSNs for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

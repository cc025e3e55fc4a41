// Command genkey adds an API key to a roster-bridge key file and prints the
// generated secret. Intended for local development and operator bootstrap;
// the server picks the new key up via POST /api/v1/admin/api-keys/reload.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type keyFile struct {
	Keys map[string]keyEntry `json:"keys"`
}

type keyEntry struct {
	Key         string     `json:"key"`
	Description string     `json:"description,omitempty"`
	Active      bool       `json:"active"`
	Permissions []string   `json:"permissions"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

func main() {
	path := flag.String("file", "api_keys.json", "key file to create or update")
	name := flag.String("name", "", "unique key name")
	description := flag.String("description", "", "free-form description")
	permissions := flag.String("permissions", "read", "comma-separated scopes (read, write, admin)")
	inactive := flag.Bool("inactive", false, "create the key in inactive state")

	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "error: -name is required")
		os.Exit(1)
	}

	scopes := splitCSV(*permissions)
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one permission is required")
		os.Exit(1)
	}
	for _, scope := range scopes {
		switch scope {
		case "read", "write", "admin":
		default:
			fmt.Fprintf(os.Stderr, "error: unknown permission %q\n", scope)
			os.Exit(1)
		}
	}

	doc := keyFile{Keys: map[string]keyEntry{}}
	if data, err := os.ReadFile(*path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			fmt.Fprintf(os.Stderr, "error: parse %s: %v\n", *path, err)
			os.Exit(1)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", *path, err)
		os.Exit(1)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]keyEntry{}
	}

	if _, exists := doc.Keys[*name]; exists {
		fmt.Fprintf(os.Stderr, "error: key %q already exists in %s\n", *name, *path)
		os.Exit(1)
	}

	secret, err := newSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	doc.Keys[*name] = keyEntry{
		Key:         secret,
		Description: strings.TrimSpace(*description),
		Active:      !*inactive,
		Permissions: scopes,
		CreatedAt:   &now,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode key file: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*path, append(data, '\n'), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", *path, err)
		os.Exit(1)
	}

	fmt.Printf("added key %q to %s\n", *name, *path)
	fmt.Printf("secret: %s\n", secret)
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rbk_" + hex.EncodeToString(buf), nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

package adapter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pario-ai/ladder/pkg/policy"
)

// Token is a resolved bearer credential.
type Token struct {
	Access    string
	AccountID string
	Source    string
}

// TokenStore resolves provider credentials from the provider auth file, then
// the general auth file, then the provider's token env var.
type TokenStore struct {
	GeneralFile string
}

var tokenPaths = []string{"access_token", "token", "tokens.access_token", "api_key"}

// Resolve returns the first token found for prov.
func (s TokenStore) Resolve(prov policy.Provider) (Token, bool) {
	if tok, ok := readTokenFile(prov.AuthFile, ""); ok {
		tok.Source = "auth_file"
		return fill(prov, tok), true
	}
	if tok, ok := readTokenFile(s.GeneralFile, prov.ID); ok {
		tok.Source = "general_auth_file"
		return fill(prov, tok), true
	}
	if prov.TokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(prov.TokenEnv)); v != "" {
			return fill(prov, Token{Access: v, Source: "env"}), true
		}
	}
	return Token{}, false
}

// APIKey returns the key for chat-style wires: the api_key_env variable
// first, then the token store.
func (s TokenStore) APIKey(prov policy.Provider) string {
	if prov.Auth == "none" {
		return ""
	}
	if prov.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(prov.APIKeyEnv)); v != "" {
			return v
		}
	}
	if tok, ok := s.Resolve(prov); ok {
		return tok.Access
	}
	return ""
}

func fill(prov policy.Provider, tok Token) Token {
	if tok.AccountID == "" {
		tok.AccountID = prov.AccountID
	}
	return tok
}

// readTokenFile accepts a JSON document or a bare token. When section is set
// the JSON lookup is scoped to that top-level key.
func readTokenFile(path, section string) (Token, bool) {
	if path == "" {
		return Token{}, false
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return Token{}, false
	}
	if !gjson.ValidBytes(data) {
		if section != "" {
			return Token{}, false
		}
		v := strings.TrimSpace(string(data))
		return Token{Access: v}, v != ""
	}

	doc := gjson.ParseBytes(data)
	if section != "" {
		doc = doc.Get(gjson.Escape(section))
		if !doc.Exists() {
			return Token{}, false
		}
		if doc.Type == gjson.String {
			return Token{Access: doc.String()}, doc.String() != ""
		}
	}
	var tok Token
	for _, p := range tokenPaths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			tok.Access = v.String()
			break
		}
	}
	for _, p := range []string{"account_id", "tokens.account_id"} {
		if v := doc.Get(p); v.Exists() {
			tok.AccountID = v.String()
			break
		}
	}
	return tok, tok.Access != ""
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

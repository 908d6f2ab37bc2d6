package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"autotrader/config"
)

// fakeKV serves the subset of the KV v2 HTTP API the client uses
type fakeKV struct {
	mu      sync.Mutex
	secrets map[string]json.RawMessage
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.secrets[path] = body["data"]
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"version": 1}})
	case http.MethodGet:
		data, ok := f.secrets[path]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"data": data},
		})
	case http.MethodDelete:
		delete(f.secrets, strings.Replace(path, "/metadata/", "/data/", 1))
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_DisabledKeepsCredentialsInMemory(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(config.VaultConfig{}, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.GetCredentials(ctx, "u1"); !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("unknown user = %v, want ErrCredentialsNotFound", err)
	}
	if err := c.StoreCredentials(ctx, "u1", Credentials{APIKey: "k", SecretKey: "s"}); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetCredentials(ctx, "u1")
	if err != nil || got.APIKey != "k" {
		t.Errorf("GetCredentials = %+v, %v", got, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("disabled health = %v", err)
	}
}

func TestClient_VaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := &fakeKV{secrets: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(kv)
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "autotrader",
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.StoreCredentials(ctx, "u1", Credentials{APIKey: "key", SecretKey: "secret", TestNet: true}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}
	if _, ok := kv.secrets["secret/data/autotrader/u1/binance_testnet"]; !ok {
		t.Fatalf("secret not written to testnet path: %v", kv.secrets)
	}

	c.InvalidateUser("u1")
	got, err := c.GetCredentials(ctx, "u1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.APIKey != "key" || got.SecretKey != "secret" || !got.TestNet {
		t.Errorf("credentials = %+v", got)
	}

	if err := c.DeleteCredentials(ctx, "u1"); err != nil {
		t.Fatalf("DeleteCredentials: %v", err)
	}
	if _, err := c.GetCredentials(ctx, "u1"); !errors.Is(err, ErrCredentialsNotFound) {
		t.Errorf("after delete = %v, want ErrCredentialsNotFound", err)
	}
}

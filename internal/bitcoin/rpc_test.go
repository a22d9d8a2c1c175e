package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/poolportal/internal/config"
)

// rpcStub is a minimal JSON-RPC daemon
type rpcStub struct {
	mu      sync.Mutex
	calls   []string
	results map[string]string
}

func (s *rpcStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	result, ok := s.results[req.Method]
	s.mu.Unlock()
	if !ok {
		result = "null"
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"result":` + result + `,"error":null,"id":` + string(req.ID) + `}`))
}

func (s *rpcStub) called(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}

func newStubClient(t *testing.T, network string, results map[string]string) (*RPCClient, *rpcStub) {
	t.Helper()
	stub := &rpcStub{results: results}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, _ := strings.Cut(hostPort, ":")
	port, _ := strconv.Atoi(portStr)

	client, err := NewRPCClient(config.Daemon{
		Host:       host,
		Port:       port,
		User:       "user",
		Password:   "pass",
		DisableTLS: true,
	}, network)
	if err != nil {
		t.Fatalf("NewRPCClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client, stub
}

func genesisHex(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := chaincfg.MainNetParams.GenesisBlock.Serialize(&buf); err != nil {
		t.Fatalf("serialize genesis: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestNetworkParams(t *testing.T) {
	tests := []struct {
		network string
		want    *chaincfg.Params
		wantErr bool
	}{
		{"", &chaincfg.MainNetParams, false},
		{"mainnet", &chaincfg.MainNetParams, false},
		{"Testnet", &chaincfg.TestNet3Params, false},
		{"regtest", &chaincfg.RegressionNetParams, false},
		{"signet", &chaincfg.SigNetParams, false},
		{"simnet", &chaincfg.SimNetParams, false},
		{"dogenet", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			got, err := NetworkParams(tt.network)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NetworkParams(%q) error = %v, wantErr %v", tt.network, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NetworkParams(%q) = %v, want %v", tt.network, got, tt.want)
			}
		})
	}
}

func TestRPCClient_ValidateAddress(t *testing.T) {
	tests := []struct {
		name      string
		network   string
		address   string
		result    string
		want      bool
		wantCalls int
	}{
		{
			name:      "valid mainnet address",
			address:   "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			result:    `{"isvalid":true,"address":"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"}`,
			want:      true,
			wantCalls: 1,
		},
		{
			name:      "daemon says invalid",
			address:   "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			result:    `{"isvalid":false}`,
			want:      false,
			wantCalls: 1,
		},
		{
			name:      "garbage never reaches the daemon",
			address:   "not-an-address",
			result:    `{"isvalid":true}`,
			want:      false,
			wantCalls: 0,
		},
		{
			name:      "mainnet address on testnet",
			network:   "testnet",
			address:   "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			result:    `{"isvalid":true}`,
			want:      false,
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, stub := newStubClient(t, tt.network, map[string]string{"validateaddress": tt.result})

			got, err := client.ValidateAddress(context.Background(), tt.address)
			if err != nil {
				t.Fatalf("ValidateAddress() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidateAddress() = %v, want %v", got, tt.want)
			}
			if n := stub.called("validateaddress"); n != tt.wantCalls {
				t.Errorf("validateaddress calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestRPCClient_SubmitBlock(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantErr bool
	}{
		{name: "accepted", result: "null"},
		{name: "rejected", result: `"high-hash"`, wantErr: true},
		{name: "duplicate", result: `"duplicate"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, stub := newStubClient(t, "", map[string]string{"submitblock": tt.result})

			err := client.SubmitBlock(context.Background(), genesisHex(t))
			if (err != nil) != tt.wantErr {
				t.Errorf("SubmitBlock() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n := stub.called("submitblock"); n != 1 {
				t.Errorf("submitblock calls = %d, want 1", n)
			}
		})
	}
}

func TestRPCClient_SubmitBlock_Malformed(t *testing.T) {
	client, stub := newStubClient(t, "", nil)

	for _, blockHex := range []string{"zz", "00"} {
		if err := client.SubmitBlock(context.Background(), blockHex); err == nil {
			t.Errorf("SubmitBlock(%q) error = nil", blockHex)
		}
	}
	if n := stub.called("submitblock"); n != 0 {
		t.Errorf("submitblock calls = %d, want 0", n)
	}
}

func TestRPCClient_GetBlockCountAndPing(t *testing.T) {
	client, _ := newStubClient(t, "", map[string]string{"getblockcount": "1972211"})

	height, err := client.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount() error = %v", err)
	}
	if height != 1972211 {
		t.Errorf("GetBlockCount() = %d, want 1972211", height)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

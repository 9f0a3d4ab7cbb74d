package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var testScript = []byte{0x00, 0x20,
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
}

func testTx(t *testing.T) (*wire.MsgTx, string) {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(50_000, testScript))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return tx, hex.EncodeToString(buf.Bytes())
}

func TestScriptHashEncodings(t *testing.T) {
	esplora := esploraScriptHash(testScript)
	electrum := electrumScriptHash(testScript)
	if len(esplora) != 64 || len(electrum) != 64 {
		t.Fatalf("hash lengths %d/%d, want 64", len(esplora), len(electrum))
	}
	// Electrum reverses the digest; the two encodings must be mirror
	// images of each other.
	eb, _ := hex.DecodeString(esplora)
	lb, _ := hex.DecodeString(electrum)
	for i := range eb {
		if eb[i] != lb[len(lb)-1-i] {
			t.Fatal("electrum hash is not the byte-reversed esplora hash")
		}
	}
}

func TestEsplora(t *testing.T) {
	tx, txHex := testTx(t)
	txid := tx.TxHash()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "120")
	})
	mux.HandleFunc("/scripthash/"+esploraScriptHash(testScript)+"/utxo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{
			"txid":   txid.String(),
			"vout":   0,
			"value":  50_000,
			"status": map[string]any{"confirmed": true, "block_height": 100},
		}})
	})
	mux.HandleFunc("/tx/"+txid.String()+"/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"confirmed": true, "block_height": 100})
	})
	mux.HandleFunc("/tx/"+txid.String()+"/hex", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, txHex)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.TrimSpace(string(body)) != txHex {
			http.Error(w, "bad tx", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, txid.String())
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"1": 12.3, "6": 5.7})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	e := NewEsplora(srv.URL, 0)
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	height, err := e.TipHeight(ctx)
	if err != nil || height != 120 {
		t.Fatalf("tip = %d, %v; want 120", height, err)
	}

	utxos, err := e.UTXOsForScript(ctx, testScript)
	if err != nil {
		t.Fatalf("utxos: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 50_000 || utxos[0].Confirmations != 21 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}
	if utxos[0].OutPoint.Hash != txid {
		t.Fatal("utxo txid mismatch")
	}

	status, err := e.TxStatus(ctx, txid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Seen || status.Confirmations != 21 {
		t.Fatalf("status = %+v, want seen with 21 confirmations", status)
	}

	missing := chainhash.Hash{1}
	status, err = e.TxStatus(ctx, missing)
	if err != nil {
		t.Fatalf("status of missing tx: %v", err)
	}
	if status.Seen {
		t.Fatal("missing tx reported as seen")
	}

	raw, err := e.RawTransaction(ctx, txid)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if raw.TxHash() != txid {
		t.Fatal("raw tx round trip changed the txid")
	}

	got, err := e.Broadcast(ctx, tx)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got != txid {
		t.Fatalf("broadcast txid = %v, want %v", got, txid)
	}

	rate, err := e.FeeRate(ctx, 6)
	if err != nil {
		t.Fatalf("fee rate: %v", err)
	}
	if rate != 5 {
		t.Fatalf("fee rate = %d, want 5", rate)
	}
}

func TestBitcoind(t *testing.T) {
	tx, txHex := testTx(t)
	txid := tx.TxHash()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		write := func(result any) {
			json.NewEncoder(w).Encode(map[string]any{"result": result, "error": nil})
		}
		switch req.Method {
		case "getblockcount":
			write(120)
		case "scantxoutset":
			write(map[string]any{
				"height": 120,
				"unspents": []map[string]any{{
					"txid":   txid.String(),
					"vout":   0,
					"amount": 0.0005,
					"height": 100,
				}},
			})
		case "getrawtransaction":
			if req.Params[0].(string) != txid.String() {
				json.NewEncoder(w).Encode(map[string]any{
					"result": nil,
					"error":  map[string]any{"code": -5, "message": "No such mempool or blockchain transaction"},
				})
				return
			}
			if len(req.Params) > 1 {
				write(map[string]any{"confirmations": 21})
				return
			}
			write(txHex)
		case "sendrawtransaction":
			write(txid.String())
		case "estimatesmartfee":
			write(map[string]any{"feerate": 0.00012})
		default:
			http.Error(w, "unknown method "+req.Method, http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewBitcoind(srv.URL, "user", "pass", 0, &chaincfg.RegressionNetParams)
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	utxos, err := b.UTXOsForScript(ctx, testScript)
	if err != nil {
		t.Fatalf("utxos: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 50_000 || utxos[0].Confirmations != 21 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}

	status, err := b.TxStatus(ctx, txid)
	if err != nil || !status.Seen || status.Confirmations != 21 {
		t.Fatalf("status = %+v, %v", status, err)
	}
	status, err = b.TxStatus(ctx, chainhash.Hash{1})
	if err != nil || status.Seen {
		t.Fatalf("missing tx status = %+v, %v", status, err)
	}

	raw, err := b.RawTransaction(ctx, txid)
	if err != nil || raw.TxHash() != txid {
		t.Fatalf("raw tx: %v", err)
	}

	got, err := b.Broadcast(ctx, tx)
	if err != nil || got != txid {
		t.Fatalf("broadcast = %v, %v", got, err)
	}

	rate, err := b.FeeRate(ctx, 6)
	if err != nil || rate != 12 {
		t.Fatalf("fee rate = %d, %v; want 12", rate, err)
	}
}

func TestNew(t *testing.T) {
	net := &chaincfg.MainNetParams
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"esplora", Config{Type: TypeEsplora, URL: "https://example.com/api"}, false},
		{"esplora without url", Config{Type: TypeEsplora}, true},
		{"electrum", Config{Type: TypeElectrum, Servers: []string{"host:50002"}, TLS: true}, false},
		{"electrum without servers", Config{Type: TypeElectrum}, true},
		{"bitcoind", Config{Type: TypeBitcoind, URL: "http://127.0.0.1:8332"}, false},
		{"unknown", Config{Type: "blockbook"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, net)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%+v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

package eligibility

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/o2-exchange/trading-bot-sub002/internal/errs"
)

var testOwner = common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72")

type fakeChain struct {
	listed bool
	err    error
	calls  int32
}

func (f *fakeChain) IsWhitelisted(_ context.Context, _ common.Address) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.listed, f.err
}

func newAPIServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestChainPositiveSkipsAPI(t *testing.T) {
	var apiHits int32
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		w.Write([]byte(`{"eligible":true}`))
	})
	chain := &fakeChain{listed: true}

	res, err := NewChecker(api, chain).Check(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Verdict != VerdictWhitelisted {
		t.Fatalf("verdict=%s want whitelisted", res.Verdict)
	}
	if apiHits != 0 {
		t.Fatalf("api consulted despite on-chain listing")
	}
}

func TestChainFailureFallsBackToAPI(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("address"); got != testOwner.Hex() {
			t.Errorf("address=%q want %q", got, testOwner.Hex())
		}
		w.Write([]byte(`{"eligible":true,"reason":"api whitelist"}`))
	})
	chain := &fakeChain{err: errors.New("rpc timeout")}

	res, err := NewChecker(api, chain).Check(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Verdict != VerdictWhitelisted || res.Reason != "api whitelist" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInvitationRequiredVerdict(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"eligible":false,"invitation_required":true,"reason":"closed beta"}`))
	})

	res, err := NewChecker(api, &fakeChain{}).Check(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Verdict != VerdictInvitationRequired {
		t.Fatalf("verdict=%s want invitation_required", res.Verdict)
	}
}

func TestDeniedVerdict(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"eligible":false,"reason":"region blocked"}`))
	})

	res, err := NewChecker(api, nil).Check(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Verdict != VerdictDenied || res.Reason != "region blocked" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := NewChecker(api, nil).Check(context.Background(), testOwner)
	if !errs.Transient(err) {
		t.Fatalf("err=%v want transient", err)
	}
}

func TestRedeemRejectedCodeIsDefinitive(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s want POST", r.Method)
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`code already used`))
	})

	err := NewChecker(api, nil).Redeem(context.Background(), testOwner, "ABC-123")
	if !errs.Definitive(err) {
		t.Fatalf("err=%v want definitive", err)
	}
}

func TestRedeemEmptyCode(t *testing.T) {
	api := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for empty code")
	})

	if err := NewChecker(api, nil).Redeem(context.Background(), testOwner, "  "); err == nil {
		t.Fatalf("empty code accepted")
	}
}

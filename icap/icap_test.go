package icap

import (
	"context"
	"net/http"
	"testing"
)

func TestBypassAdapterAlwaysOriginalTransferred(t *testing.T) {
	a := BypassAdapter{}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

	out, err := a.REQMOD(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(OriginalTransferred); !ok {
		t.Fatalf("got %T", out)
	}

	out, err = a.RESPMOD(context.Background(), req, &http.Response{StatusCode: 200}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(OriginalTransferred); !ok {
		t.Fatalf("got %T", out)
	}
}

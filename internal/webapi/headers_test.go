package webapi

import (
	"net/http"
	"testing"
)

func TestHeadersJSONRoundTrip(t *testing.T) {
	h := NewHeaders()
	h.Append("Set-Cookie", "a=1")
	h.Append("set-cookie", "b=2")
	h.Set("ETag", `"abc"`)
	h.Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")

	data, err := h.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := HeadersFromJSON(data)
	if err != nil {
		t.Fatalf("HeadersFromJSON: %v", err)
	}
	if !got.Equal(h) {
		t.Errorf("round trip = %v, want %v", got, h)
	}
	if all := got.GetAll("SET-COOKIE"); len(all) != 2 || all[0] != "a=1" || all[1] != "b=2" {
		t.Errorf("GetAll(SET-COOKIE) = %v", all)
	}
}

func TestHeadersFromJSONMergesCase(t *testing.T) {
	h, err := HeadersFromJSON([]byte(`{"ETag":["x"],"Vary":["a"],"vary":["b"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("etag") != "x" {
		t.Errorf("Get(etag) = %q, want x", h.Get("etag"))
	}
	if n := len(h.GetAll("VARY")); n != 2 {
		t.Errorf("len(GetAll(VARY)) = %d, want 2", n)
	}
}

func TestHeadersNilToJSON(t *testing.T) {
	var h Headers
	data, err := h.ToJSON()
	if err != nil || string(data) != "{}" {
		t.Errorf("nil ToJSON() = %q, %v", data, err)
	}
}

func TestHeadersHTTPConversion(t *testing.T) {
	hh := http.Header{}
	hh.Add("Content-Type", "text/javascript")
	hh.Add("X-Custom", "1")
	hh.Add("X-Custom", "2")

	h := HeadersFromHTTP(hh)
	if h.Get("content-type") != "text/javascript" {
		t.Errorf("content-type = %q", h.Get("content-type"))
	}
	if h.Get("x-custom") != "1, 2" {
		t.Errorf("Get(x-custom) = %q, want %q", h.Get("x-custom"), "1, 2")
	}
	back := h.HTTP()
	if back.Get("X-Custom") != "1" || len(back.Values("X-Custom")) != 2 {
		t.Errorf("HTTP() = %v", back)
	}
	if keys := h.Keys(); len(keys) != 2 || keys[0] != "content-type" {
		t.Errorf("Keys() = %v", keys)
	}
}

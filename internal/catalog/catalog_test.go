package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimblecart/ghostwriter/config"
)

func TestFetchPageSendsFormParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		for key, want := range map[string]string{
			"type":     "product",
			"app":      "storefront",
			"language": "en",
			"limit":    "2",
			"offset":   "4",
		} {
			if got := r.PostFormValue(key); got != want {
				t.Errorf("form[%s] = %q, want %q", key, got, want)
			}
		}
		fmt.Fprint(w, `{"products":[{"id":101,"name":"Linen Dress","brand":"Atelier Nord","tags":["linen","summer"]}],"total":1}`)
	}))
	defer srv.Close()

	c := NewClient(config.CatalogConfig{
		BaseURL:  srv.URL,
		Type:     "product",
		App:      "storefront",
		Language: "en",
	})
	products, err := c.FetchPage(context.Background(), 2, 4)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("got %d products", len(products))
	}
	p := products[0]
	if p.ExternalID != "101" {
		t.Fatalf("external id = %q", p.ExternalID)
	}
	if p.Designer != "Atelier Nord" {
		t.Fatalf("designer fallback not applied: %q", p.Designer)
	}
}

func TestFetchAllPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		offset := r.PostFormValue("offset")
		switch offset {
		case "0":
			fmt.Fprint(w, `{"products":[{"id":"a","name":"A"},{"id":"b","name":"B"}],"total":3}`)
		case "2":
			fmt.Fprint(w, `{"products":[{"id":"c","name":"C"}],"total":3}`)
		default:
			t.Errorf("unexpected offset %q", offset)
			fmt.Fprint(w, `{"products":[],"total":3}`)
		}
	}))
	defer srv.Close()

	c := NewClient(config.CatalogConfig{BaseURL: srv.URL, PageSize: 2})
	products, err := c.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("got %d products", len(products))
	}
	if products[2].ExternalID != "c" {
		t.Fatalf("products out of order: %+v", products)
	}
}

func TestFetchPageUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.CatalogConfig{BaseURL: srv.URL})
	if _, err := c.FetchPage(context.Background(), 10, 0); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestMapProductNormalizesIDs(t *testing.T) {
	var raw rawProduct
	if err := json.Unmarshal([]byte(`{"id":42,"styleId":"st-9","name":" Clay Vase ","image":"https://img.example/v.jpg"}`), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p := mapProduct(raw)
	if p.ExternalID != "42" || p.StyleID != "st-9" {
		t.Fatalf("ids = %q, %q", p.ExternalID, p.StyleID)
	}
	if p.Name != "Clay Vase" {
		t.Fatalf("name = %q", p.Name)
	}
	if p.ImageURL != "https://img.example/v.jpg" {
		t.Fatalf("image fallback not applied: %q", p.ImageURL)
	}
}

func TestIndexSearch(t *testing.T) {
	ix, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	err = ix.Load([]Product{
		{ExternalID: "1", Name: "Linen Summer Dress", Description: "breezy linen for hot days", Category: "dresses"},
		{ExternalID: "2", Name: "Wool Winter Coat", Description: "heavy wool coat", Category: "outerwear"},
		{ExternalID: "3", Name: "Ceramic Mug", Description: "handmade stoneware mug", Category: "home"},
		{Name: "No ID", Description: "should be skipped"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ix.Len() != 3 {
		t.Fatalf("indexed %d products", ix.Len())
	}

	hits, err := ix.Search("linen", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ExternalID != "1" {
		t.Fatalf("hits = %+v", hits)
	}

	if _, ok := ix.Get("2"); !ok {
		t.Fatalf("Get(2) missed")
	}
}

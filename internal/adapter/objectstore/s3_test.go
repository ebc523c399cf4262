package objectstore

import "testing"

func TestNew_BuildsStoreWithoutNetworkCall(t *testing.T) {
	s, err := New(Config{
		Endpoint:        "http://localhost:9000",
		Region:          "us-east-1",
		Bucket:          "documents",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.bucket != "documents" {
		t.Fatalf("expected bucket %q, got %q", "documents", s.bucket)
	}
	if s.client == nil || s.uploader == nil {
		t.Fatal("expected non-nil client and uploader")
	}
}

func TestSign_ProducesPresignedURLWithoutNetworkCall(t *testing.T) {
	s, err := New(Config{Endpoint: "http://localhost:9000", Region: "us-east-1", Bucket: "documents", PathStyle: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url, err := s.Sign(t.Context(), "documents/u/doc-1/nda.pdf", 900)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if url == "" {
		t.Fatal("expected non-empty presigned URL")
	}
}

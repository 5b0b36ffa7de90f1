package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

const formatQdrantSnapshot = "snapshot"

// qdrantAPI is the part of the Qdrant gRPC client the adapter uses
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CreateSnapshot(ctx context.Context, collection string) (*qdrant.SnapshotDescription, error)
	DeleteSnapshot(ctx context.Context, collection string, snapshot string) error
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// Qdrant snapshots one collection with the native snapshot API. The gRPC
// API creates and deletes snapshots; the file itself moves over REST, which
// is the only transport Qdrant offers for snapshot download and upload.
type Qdrant struct {
	name       string
	collection string
	client     qdrantAPI
	restURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrant connects to Qdrant over gRPC
func NewQdrant(cfg config.QdrantConfig) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.GRPCPort,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperrors.NewBackendUnavailable(config.BackendQdrant, "failed to create qdrant client", err)
	}

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	restURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.HTTPPort)

	return newQdrant(client, cfg.Collection, restURL, cfg.APIKey), nil
}

func newQdrant(client qdrantAPI, collection, restURL, apiKey string) *Qdrant {
	return &Qdrant{
		name:       config.BackendQdrant,
		collection: collection,
		client:     client,
		restURL:    restURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Client exposes the gRPC client for the memory point index
func (q *Qdrant) Client() *qdrant.Client {
	c, _ := q.client.(*qdrant.Client)
	return c
}

// Collection is the collection this adapter protects
func (q *Qdrant) Collection() string {
	return q.collection
}

func (q *Qdrant) Name() string { return q.name }
func (q *Qdrant) Kind() Kind   { return KindVector }

// Snapshot creates a server-side snapshot, downloads it and removes the
// server-side copy
func (q *Qdrant) Snapshot(ctx context.Context) (*Snapshot, error) {
	items, err := q.Count(ctx)
	if err != nil {
		return nil, err
	}

	desc, err := q.client.CreateSnapshot(ctx, q.collection)
	if err != nil {
		return nil, snapshotFailure(q.name, err)
	}

	data, err := q.download(ctx, desc.GetName())
	// The server-side copy is removed even when the download failed
	if delErr := q.client.DeleteSnapshot(ctx, q.collection, desc.GetName()); delErr != nil && err == nil {
		err = fmt.Errorf("delete server snapshot %s: %w", desc.GetName(), delErr)
	}
	if err != nil {
		return nil, snapshotFailure(q.name, err)
	}

	return &Snapshot{
		Backend: q.name,
		Format:  formatQdrantSnapshot,
		Data:    data,
		Items:   items,
		TakenAt: time.Now().UTC(),
	}, nil
}

// Restore uploads the snapshot with snapshot priority, replacing the collection
func (q *Qdrant) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Format != formatQdrantSnapshot {
		return apperrors.NewRestoreError(q.name, "artifact is not a qdrant snapshot", nil)
	}
	if err := q.upload(ctx, snap.Data); err != nil {
		return restoreFailure(q.name, err)
	}
	return nil
}

// CheckLiveness calls the gRPC health check
func (q *Qdrant) CheckLiveness(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return livenessFailure(q.name, err)
}

// Count returns the exact point count of the collection
func (q *Qdrant) Count(ctx context.Context) (int64, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, countFailure(q.name, err)
	}
	return int64(n), nil
}

// Close closes the gRPC connection
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) snapshotsURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s/snapshots%s", q.restURL, url.PathEscape(q.collection), suffix)
}

func (q *Qdrant) download(ctx context.Context, snapshotName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.snapshotsURL("/"+url.PathEscape(snapshotName)), nil)
	if err != nil {
		return nil, err
	}
	q.authorize(req)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("snapshot download returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return io.ReadAll(resp.Body)
}

func (q *Qdrant) upload(ctx context.Context, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("snapshot", q.collection+".snapshot")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.snapshotsURL("/upload?priority=snapshot&wait=true"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	q.authorize(req)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("snapshot upload returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func (q *Qdrant) authorize(req *http.Request) {
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
}

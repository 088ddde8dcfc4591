// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drivers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/option"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
)

// DefaultRemoteTimeout bounds a single HTTP request.
const DefaultRemoteTimeout = 30 * time.Second

// RemoteDriver stores blobs behind URLs.
//
// # Description
//
// http and https URLs map to GET, PUT and HEAD. gs://bucket/object URLs go
// through the Cloud Storage client, created on first use with application
// default credentials unless a credentials file or client was supplied.
//
// # Thread Safety
//
// Safe for concurrent use.
type RemoteDriver struct {
	http   *http.Client
	logger *slog.Logger

	gcsOnce  sync.Once
	gcs      *storage.Client
	gcsErr   error
	gcsCreds string
}

// RemoteOption configures a RemoteDriver.
type RemoteOption func(*RemoteDriver)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(d *RemoteDriver) { d.http = c }
}

// WithGCSClient supplies a ready Cloud Storage client.
func WithGCSClient(c *storage.Client) RemoteOption {
	return func(d *RemoteDriver) {
		d.gcs = c
		d.gcsOnce.Do(func() {})
	}
}

// WithGCSCredentialsFile makes the lazily created client use a service
// account key file.
func WithGCSCredentialsFile(path string) RemoteOption {
	return func(d *RemoteDriver) { d.gcsCreds = path }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(d *RemoteDriver) { d.logger = l }
}

// NewRemoteDriver creates a RemoteDriver.
func NewRemoteDriver(opts ...RemoteOption) *RemoteDriver {
	d := &RemoteDriver{
		http: &http.Client{
			Timeout:   DefaultRemoteTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger)
	return d
}

// Kind implements StorageDriver.
func (d *RemoteDriver) Kind() LocationKind { return LocationRemote }

// Read implements StorageDriver.
func (d *RemoteDriver) Read(ctx context.Context, loc Location) ([]byte, error) {
	u, err := parseRemote(loc)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "gs" {
		obj, err := d.object(ctx, u)
		if err != nil {
			return nil, err
		}
		r, err := obj.NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ckerrors.Wrap(ckerrors.KindNotFound, "drivers.remote.read", loc.URL, err)
		}
		if err != nil {
			return nil, fmt.Errorf("open gcs object %s: %w", loc.URL, err)
		}
		defer r.Close()
		return io.ReadAll(r)
	}

	resp, err := d.do(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ckerrors.New(ckerrors.KindNotFound, "drivers.remote.read", loc.URL)
	case resp.StatusCode >= 300:
		return nil, statusError("drivers.remote.read", loc.URL, resp)
	}
	return io.ReadAll(resp.Body)
}

// Write implements StorageDriver.
func (d *RemoteDriver) Write(ctx context.Context, loc Location, data []byte) error {
	u, err := parseRemote(loc)
	if err != nil {
		return err
	}
	if u.Scheme == "gs" {
		obj, err := d.object(ctx, u)
		if err != nil {
			return err
		}
		w := obj.NewWriter(ctx)
		w.ContentType = "application/json"
		w.CacheControl = "no-cache, no-store, must-revalidate"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("write gcs object %s: %w", loc.URL, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close gcs writer for %s: %w", loc.URL, err)
		}
		d.logger.Debug("remote blob written", "url", loc.URL, "bytes", len(data))
		return nil
	}

	resp, err := d.do(ctx, http.MethodPut, loc.URL, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError("drivers.remote.write", loc.URL, resp)
	}
	d.logger.Debug("remote blob written", "url", loc.URL, "bytes", len(data))
	return nil
}

// Exists implements StorageDriver.
func (d *RemoteDriver) Exists(ctx context.Context, loc Location) (bool, error) {
	u, err := parseRemote(loc)
	if err != nil {
		return false, err
	}
	if u.Scheme == "gs" {
		obj, err := d.object(ctx, u)
		if err != nil {
			return false, err
		}
		_, err = obj.Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat gcs object %s: %w", loc.URL, err)
		}
		return true, nil
	}

	resp, err := d.do(ctx, http.MethodHead, loc.URL, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 300:
		return false, statusError("drivers.remote.exists", loc.URL, resp)
	}
	return true, nil
}

// Close releases the Cloud Storage client if one was created.
func (d *RemoteDriver) Close() error {
	if d.gcs != nil {
		return d.gcs.Close()
	}
	return nil
}

func (d *RemoteDriver) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "drivers.remote", rawURL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

func (d *RemoteDriver) object(ctx context.Context, u *url.URL) (*storage.ObjectHandle, error) {
	d.gcsOnce.Do(func() {
		var opts []option.ClientOption
		if d.gcsCreds != "" {
			opts = append(opts, option.WithCredentialsFile(d.gcsCreds))
		}
		d.gcs, d.gcsErr = storage.NewClient(ctx, opts...)
	})
	if d.gcsErr != nil {
		return nil, fmt.Errorf("create gcs client: %w", d.gcsErr)
	}
	object := strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.remote", u.String()).
			WithState("gs://bucket/object", "missing object name")
	}
	return d.gcs.Bucket(u.Host).Object(object), nil
}

func parseRemote(loc Location) (*url.URL, error) {
	if loc.Kind != LocationRemote {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.remote", loc.String()).
			WithState("remote location", loc.Kind.String())
	}
	u, err := url.Parse(loc.URL)
	if err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "drivers.remote", loc.URL, err)
	}
	switch u.Scheme {
	case "http", "https", "gs":
	default:
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.remote", loc.URL).
			WithState("http, https or gs scheme", u.Scheme)
	}
	if u.Host == "" {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "drivers.remote", loc.URL).
			WithState("host or bucket", "empty")
	}
	return u, nil
}

func statusError(op, rawURL string, resp *http.Response) error {
	kind := ckerrors.KindUnknown
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = ckerrors.KindPermissionDenied
	}
	return ckerrors.New(kind, op, rawURL).WithState("2xx", resp.Status)
}

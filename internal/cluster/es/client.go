// Package es implements cluster.Cluster against the Elasticsearch REST API.
package es

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// Config holds connection settings for Elasticsearch.
type Config struct {
	Addresses      []string
	Username       string
	Password       string
	APIKey         string
	CloudID        string
	CACert         string // path to a PEM file
	RequestTimeout time.Duration
	MaxRetries     int
	Transport      http.RoundTripper
}

// NewClient builds a go-elasticsearch client from cfg.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		CloudID:    cfg.CloudID,
		MaxRetries: cfg.MaxRetries,
		Transport:  cfg.Transport,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to read elasticsearch CA certificate").
				WithContext("ca_cert", cfg.CACert)
		}
		esCfg.CACert = pem
	}
	if esCfg.Transport == nil && cfg.RequestTimeout > 0 {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.RequestTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		}
		// the client only installs CACert on its own default transport
		if esCfg.CACert != nil {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(esCfg.CACert) {
				return nil, errors.NewError(errors.ErrCodeConfiguration, "elasticsearch CA certificate contains no PEM certificates").
					WithContext("ca_cert", cfg.CACert)
			}
			transport.TLSClientConfig.RootCAs = pool
		}
		esCfg.Transport = transport
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to create elasticsearch client")
	}
	return client, nil
}

// APIError is an error response from Elasticsearch.
type APIError struct {
	Status int
	Type   string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elasticsearch %d %s: %s", e.Status, e.Type, e.Reason)
}

// IsNotFound reports whether err is a 404 from Elasticsearch.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound
	}
	return false
}

// Do consumes res, turning transport failures and error statuses into errors
// and decoding a successful body into out when out is non-nil.
func Do(res *esapi.Response, err error, out interface{}) error {
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return parseError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode elasticsearch response: %w", err)
	}
	return nil
}

func parseError(res *esapi.Response) error {
	apiErr := &APIError{Status: res.StatusCode}
	body, _ := io.ReadAll(res.Body)
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil {
			apiErr.Type = detail.Type
			apiErr.Reason = detail.Reason
		} else {
			apiErr.Reason = strings.Trim(string(envelope.Error), `"`)
		}
	}
	if apiErr.Reason == "" {
		apiErr.Reason = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Translate maps an Elasticsearch error onto the deepfreeze taxonomy.
func Translate(err error, operation, entity string) error {
	code := errors.ErrCodeCluster
	external := ""
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		external = apiErr.Type
		switch {
		case apiErr.Type == "concurrent_snapshot_execution_exception",
			strings.Contains(apiErr.Reason, "currently used"),
			strings.Contains(apiErr.Reason, "in use"):
			code = errors.ErrCodeRepositoryInUse
		case apiErr.Status == http.StatusConflict:
			code = errors.ErrCodeConcurrentModification
		case apiErr.Status == http.StatusNotFound:
			code = errors.ErrCodeNotFound
		}
	}
	return errors.Wrap(err, code, operation+" failed").
		WithComponent("elasticsearch").
		WithOperation(operation).
		WithEntity(entity).
		WithExternalCode(external)
}

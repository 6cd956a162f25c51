package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig holds Azure Blob Storage settings. Authentication is
// tried in order: connection string, SAS token, shared key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // custom endpoint, e.g. Azurite
}

// AzureBlobBackend stores objects as block blobs in one container.
type AzureBlobBackend struct {
	container *container.Client
	name      string
	logger    zerolog.Logger
}

// NewAzureBlobBackend creates a backend for cfg.ContainerName.
func NewAzureBlobBackend(ctx context.Context, cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("auth", method).Msg("Configured Azure Blob Storage client")

	b := &AzureBlobBackend{
		container: client.ServiceClient().NewContainerClient(cfg.ContainerName),
		name:      cfg.ContainerName,
		logger:    log,
	}

	propsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := b.container.GetProperties(propsCtx, nil); err != nil {
		log.Warn().Err(err).Str("container", cfg.ContainerName).Msg("Could not verify container exists")
	} else {
		log.Info().Str("container", cfg.ContainerName).Msg("Connected to Azure Blob Storage container")
	}
	return b, nil
}

func newAzureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	switch {
	case cfg.ConnectionString != "":
		c, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return c, "connection_string", nil

	case cfg.AccountName != "" && cfg.SASToken != "":
		c, err := azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return c, "sas_token", nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create shared key credential: %w", err)
		}
		c, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return c, "shared_key", nil

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		c, err := azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		return c, "managed_identity", nil
	}
	return nil, "", fmt.Errorf("no valid Azure authentication method configured: provide connection_string, account_name+account_key, account_name+sas_token, or account_name+use_managed_identity")
}

func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	contentType := ContentType(path)
	_, err := b.container.NewBlockBlobClient(path).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		b.logger.Error().Err(err).Str("path", path).Int64("size", size).Msg("Failed to write to Azure Blob Storage")
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}
	b.logger.Debug().
		Str("path", path).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Wrote to Azure Blob Storage")
	return nil
}

func (b *AzureBlobBackend) open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := b.container.NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	return resp.Body, nil
}

func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	body, err := b.open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

func (b *AzureBlobBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	body, err := b.open(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()
	if _, err := io.Copy(writer, body); err != nil {
		return fmt.Errorf("failed to copy Azure blob: %w", err)
	}
	return nil
}

func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	blobs := []string{}
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				blobs = append(blobs, *item.Name)
			}
		}
	}
	return blobs, nil
}

func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	if _, err := b.container.NewBlobClient(path).Delete(ctx, nil); err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}
	b.logger.Debug().Str("path", path).Msg("Deleted from Azure Blob Storage")
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := b.container.NewBlobClient(path).GetProperties(ctx, nil); err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
	}
	return true, nil
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

// Container returns the container name.
func (b *AzureBlobBackend) Container() string { return b.name }

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}

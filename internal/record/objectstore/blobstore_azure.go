/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureBlobStore keeps objects as block blobs in one Azure container.
type AzureBlobStore struct {
	container *container.Client
}

// NewAzureBlobStore connects to the container with a shared key when one is
// configured, otherwise with the default Azure credential chain.
func NewAzureBlobStore(_ context.Context, containerName string, cfg AzureConfig) (*AzureBlobStore, error) {
	switch {
	case containerName == "":
		return nil, errors.New("azure: container is required")
	case cfg.AccountName == "":
		return nil, errors.New("azure: account name is required")
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.AccountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("azure: default credential: %w", credErr)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: creating client: %w", err)
	}
	return &AzureBlobStore{container: client.ServiceClient().NewContainerClient(containerName)}, nil
}

// Create uploads with If-None-Match: * so an existing blob is never replaced.
func (a *AzureBlobStore) Create(ctx context.Context, key string, data []byte, contentType string) error {
	etagAny := azcore.ETagAny
	_, err := a.container.NewBlockBlobClient(key).UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etagAny},
		},
	})
	return azureErr("upload", err)
}

func (a *AzureBlobStore) Open(ctx context.Context, key string) (*Object, error) {
	resp, err := a.container.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, azureErr("download", err)
	}
	return &Object{
		ObjectInfo: azureInfo(key, resp.ContentLength, resp.LastModified),
		Body:       resp.Body,
	}, nil
}

func (a *AzureBlobStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	props, err := a.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, azureErr("properties", err)
	}
	info := azureInfo(key, props.ContentLength, props.LastModified)
	return &info, nil
}

func (a *AzureBlobStore) Delete(ctx context.Context, key string) error {
	_, err := a.container.NewBlobClient(key).Delete(ctx, nil)
	return azureErr("delete", err)
}

func (a *AzureBlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	pager := a.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			var size *int64
			var modified *time.Time
			if item.Properties != nil {
				size, modified = item.Properties.ContentLength, item.Properties.LastModified
			}
			out = append(out, azureInfo(*item.Name, size, modified))
		}
	}
	return out, nil
}

func (a *AzureBlobStore) Ping(ctx context.Context) error {
	if _, err := a.container.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("azure ping: %w", err)
	}
	return nil
}

func (a *AzureBlobStore) Close() error { return nil }

func azureInfo(key string, size *int64, modified *time.Time) ObjectInfo {
	info := ObjectInfo{Key: key}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.Modified = *modified
	}
	return info
}

// azureErr maps Azure answers onto the BlobStore sentinels.
func azureErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return ErrObjectNotFound
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return ErrObjectExists
	}
	// HEAD responses carry no error body, only the status.
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return ErrObjectNotFound
	}
	return fmt.Errorf("azure %s: %w", op, err)
}

var _ BlobStore = (*AzureBlobStore)(nil)

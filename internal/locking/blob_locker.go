package locking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/tracksync/tracksync/internal/logging"
)

// staleAfter is how old a foreign lease may grow before it is considered
// abandoned and broken.
const staleAfter = 2 * time.Minute

// BlobLocker serializes cycles across processes with an Azure Blob lease: one
// blob per lock name, the infinite lease on it is the lock. A lease whose
// blob has not been touched for staleAfter is treated as left behind by a
// crashed holder and broken.
type BlobLocker struct {
	containerName string
	lockName      string

	client      *azblob.Client
	leaseClient *lease.BlobClient
}

// NewBlobLocker creates the container and lock blob if needed and returns a
// locker bound to lockName.
func NewBlobLocker(connectionString, containerName, lockName string) (*BlobLocker, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = client.CreateContainer(context.TODO(), containerName, nil)
	if err != nil && !strings.Contains(err.Error(), "ContainerAlreadyExists") {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockClient.UploadBuffer(context.TODO(), []byte{}, nil)
	if err != nil && !strings.Contains(err.Error(), "BlobAlreadyExists") &&
		!strings.Contains(err.Error(), "There is currently a lease") {
		return nil, fmt.Errorf("failed to ensure lock blob exists: %w", err)
	}

	leaseClient, err := lease.NewBlobClient(blockClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName: containerName,
		lockName:      lockName,
		client:        client,
		leaseClient:   leaseClient,
	}, nil
}

// AcquireLock implements Locker. Returns ErrLockHeld when another process
// holds a fresh lease on the lock blob.
func (bl *BlobLocker) AcquireLock(ctx context.Context, name string) (string, error) {
	resp, err := bl.leaseClient.AcquireLease(ctx, -1, nil)
	if err == nil {
		logging.GetLogger().Debug("Acquired blob lease", "lock", bl.lockName, "leaseID", *resp.LeaseID)
		return *resp.LeaseID, nil
	}
	if !strings.Contains(err.Error(), "There is already a lease present") {
		return "", fmt.Errorf("failed to acquire lease for %s: %w", bl.lockName, err)
	}

	blobClient := bl.client.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName)
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get blob properties for %s: %w", bl.lockName, err)
	}

	age := time.Since(*props.LastModified)
	if age <= staleAfter {
		logging.GetLogger().Debug("Lock held elsewhere", "lock", bl.lockName, "age", age)
		return "", ErrLockHeld
	}

	logging.GetLogger().Warn("Breaking stale blob lease", "lock", bl.lockName, "age", age)
	if _, err := bl.leaseClient.BreakLease(ctx, nil); err != nil {
		return "", fmt.Errorf("failed to break stale lease for %s: %w", bl.lockName, err)
	}
	time.Sleep(time.Second)

	resp, err = bl.leaseClient.AcquireLease(ctx, -1, nil)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease after break for %s: %w", bl.lockName, err)
	}
	return *resp.LeaseID, nil
}

// ReleaseLock implements Locker.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, name, leaseID string) error {
	if _, err := bl.leaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", bl.lockName, err)
	}
	logging.GetLogger().Debug("Released blob lease", "lock", bl.lockName)
	return nil
}

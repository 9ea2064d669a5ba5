/*
Package s3 reads chunk objects from AWS S3 or an S3-compatible endpoint.

Store implements storage.BlobStore. Small objects are read with a single
GetObject. When Config.DownloadThreshold is set, the object is sized with
HeadObject first and anything at or above the threshold is fetched as
parallel ranged GETs through the SDK's download manager.

SDK errors are translated to coded errors:

	NoSuchKey, NotFound  -> OBJECT_NOT_FOUND
	NoSuchBucket         -> BUCKET_NOT_FOUND
	AccessDenied, 403    -> ACCESS_DENIED
	deadline exceeded    -> CONNECTION_TIMEOUT (retryable)
	context cancellation -> OPERATION_CANCELED
	anything else        -> STORAGE_READ (retryable)

Usage:

	client, err := s3.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	store := s3.NewStore(client, "my-bucket", cfg, logger)
	data, err := store.Get(ctx, "run1/temperature/0.0")
*/
package s3

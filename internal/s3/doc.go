// Package s3 is the object-storage client the bucket specialization
// drives against each Bucket resource's own S3-compatible server.
// Every Bucket runs its own object server container (image-wise
// interchangeable with MinIO, started and routed like any other managed
// container); this package is the thin client the control plane uses to
// proxy object operations to it.
//
// # Usage
//
// Build a client once the bucket's container is running and its API
// port known:
//
//	client, err := s3.NewClient(&s3.Config{
//	    Endpoint:        fmt.Sprintf("localhost:%d", *bucket.APIPort),
//	    Bucket:          "default",
//	    AccessKeyID:     bucket.AccessKey,
//	    SecretAccessKey: bucket.SecretKey,
//	    Region:          bucket.Region,
//	    UseSSL:          false,
//	})
//
// Upload, download, and list by arbitrary caller-supplied key:
//
//	etag, err := client.PutObject(ctx, "a/b.txt", r, size, "text/plain")
//	obj, err := client.GetObject(ctx, "a/b.txt")
//	objs, err := client.ListObjects(ctx, "a/")
//
// Presigned URLs hand out time-limited access without sharing the
// bucket's access/secret key pair with the requester.
package s3

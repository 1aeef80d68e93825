package blob

type S3Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
}

// WithMinioConfig returns a config for an S3 compatible endpoint such as minio.
func WithMinioConfig(url, bucket, accessKey, secretKey string) *S3Config {
	return &S3Config{
		Bucket:    bucket,
		Endpoint:  url,
		Region:    "us-east-1",
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// Package s3 reads pipeline templates addressed as s3://bucket/key from AWS S3
// or an S3-compatible store.
package s3

// DefaultAWSRegion is used for AWS S3 when neither the config, the
// environment nor the shared profile names a region.
const DefaultAWSRegion = "us-east-1"

// Config holds connection settings for one template bucket.
//
// Credentials come from the SDK default chain unless both AccessKeyID and
// SecretAccessKey are set. Endpoint and ForcePathStyle target S3-compatible
// stores such as MinIO or moto.
type Config struct {
	Bucket string

	// Region is optional. With Endpoint set no default is applied.
	Region string

	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// ForBucket returns a copy of c bound to bucket. Fetch routers keep one
// connection template and bind it per s3:// URI.
func (c Config) ForBucket(bucket string) Config {
	c.Bucket = bucket
	return c
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// resolveRegion picks the region after the SDK has applied explicit, env and
// profile settings. Only AWS S3 (no custom endpoint) falls back to the default.
func resolveRegion(endpoint, sdkRegion string) string {
	switch {
	case sdkRegion != "":
		return sdkRegion
	case endpoint == "":
		return DefaultAWSRegion
	default:
		return ""
	}
}

// ConfigError is returned by Validate.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

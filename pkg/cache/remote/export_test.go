package remote

var (
	IsS3NotFound    = isS3NotFound
	IsMinIONotFound = isMinIONotFound
	IsRedisNotFound = isRedisNotFound
)

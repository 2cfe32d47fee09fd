/*
Package s3 implements the deepfreeze storage provider on Amazon S3 and the
Glacier storage classes.

Every deepfreeze repository lives in its own bucket (or under its own base
path when rotation keeps a single bucket). The provider never reads or
writes snapshot data; it only moves objects between storage classes and
drives Glacier restores.

# Storage Classes

Objects written by Elasticsearch land in STANDARD. When a repository is
retired and unmounted the rotator asks the provider to move it to the
configured archive class:

	GLACIER         Glacier Flexible Retrieval, minutes to hours to restore
	DEEP_ARCHIVE    Glacier Deep Archive, up to 48 hours to restore
	GLACIER_IR      Glacier Instant Retrieval, readable without a restore

S3 has no bucket-wide class change, so SetStorageClass copies every object
under the base path onto itself with the new class. Objects already in the
target class are skipped, which makes the call safe to repeat after a
partial failure.

# Restores

InitiateRestore issues a RestoreObject request for every archived object
under the base path and returns a job reference of the form

	aws://<bucket>/<base path>

S3 keeps no job of its own, so PollRestore re-lists the objects and reads
the x-amz-restore header of each archived one:

	ongoing-request="true"                          pending
	ongoing-request="false", expiry-date="..."      restored

Objects not in an archive class count as restored. A restore that S3
rejected because one is already running (RestoreAlreadyInProgress) is
counted as pending rather than failed.

# Refreeze

Refreeze copies restored objects back onto themselves in the archive
class. This ends the temporary restored copy immediately instead of
waiting for its expiry.

# Errors

SDK errors are translated into *errors.DeepfreezeError values with code
PROVIDER_ERROR. The S3 error code (NoSuchBucket, AccessDenied,
InvalidObjectState, ...) is preserved as the external code so operators can
match on it. ContainerExists reports a missing bucket as false rather than
an error. InvalidObjectState on a restore becomes RESTORE_UNAVAILABLE.

# Configuration

	cfg := &s3.Config{
		Region:       "us-east-1",
		ArchiveClass: s3.TierGlacier,
		MaxRetries:   3,
	}
	provider, err := s3.NewProvider(ctx, cfg, logger)

Credentials are resolved by the AWS SDK default chain unless an access key
is configured. Endpoint and ForcePathStyle allow S3-compatible services.
*/
package s3

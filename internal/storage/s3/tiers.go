package s3

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 Storage Tier Constants
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierGlacierIR         = "GLACIER_IR"
	TierGlacier           = "GLACIER"
	TierDeepArchive       = "DEEP_ARCHIVE"
	TierIntelligent       = "INTELLIGENT_TIERING"
)

// StorageTierInfo contains tier-specific retrieval characteristics
type StorageTierInfo struct {
	Name               string        `json:"name"`
	RetrievalLatency   string        `json:"retrieval_latency"`
	RequiresRestore    bool          `json:"requires_restore"`
	MinimumStorageDays int           `json:"minimum_storage_days"`
	DeletionEmbargo    time.Duration `json:"deletion_embargo"`
}

// StorageTiers describes every tier deepfreeze may see on an object.
var StorageTiers = map[string]StorageTierInfo{
	TierStandard: {
		Name:             "Standard",
		RetrievalLatency: "instant",
	},
	TierStandardIA: {
		Name:               "Standard-Infrequent Access",
		RetrievalLatency:   "instant",
		MinimumStorageDays: 30,
		DeletionEmbargo:    30 * 24 * time.Hour,
	},
	TierOneZoneIA: {
		Name:               "One Zone-Infrequent Access",
		RetrievalLatency:   "instant",
		MinimumStorageDays: 30,
		DeletionEmbargo:    30 * 24 * time.Hour,
	},
	TierReducedRedundancy: {
		Name:             "Reduced Redundancy",
		RetrievalLatency: "instant",
	},
	TierGlacierIR: {
		Name:               "Glacier Instant Retrieval",
		RetrievalLatency:   "instant",
		MinimumStorageDays: 90,
		DeletionEmbargo:    90 * 24 * time.Hour,
	},
	TierGlacier: {
		Name:               "Glacier Flexible Retrieval",
		RetrievalLatency:   "minutes-hours",
		RequiresRestore:    true,
		MinimumStorageDays: 90,
		DeletionEmbargo:    90 * 24 * time.Hour,
	},
	TierDeepArchive: {
		Name:               "Glacier Deep Archive",
		RetrievalLatency:   "hours",
		RequiresRestore:    true,
		MinimumStorageDays: 180,
		DeletionEmbargo:    180 * 24 * time.Hour,
	},
	TierIntelligent: {
		Name:             "Intelligent Tiering",
		RetrievalLatency: "variable",
	},
}

// NormalizeTier maps a configured class ("intelligent_tiering") to the
// S3 constant ("INTELLIGENT_TIERING"). Unknown values map to Standard.
func NormalizeTier(class string) string {
	tier := strings.ToUpper(strings.TrimSpace(class))
	if _, ok := StorageTiers[tier]; !ok {
		return TierStandard
	}
	return tier
}

// RequiresRestore reports whether objects in class must be restored before
// they can be read.
func RequiresRestore(class string) bool {
	return StorageTiers[strings.ToUpper(class)].RequiresRestore
}

// ConvertTierToStorageClass converts our tier constants to AWS SDK storage class types
func ConvertTierToStorageClass(tier string) types.StorageClass {
	switch tier {
	case TierStandard:
		return types.StorageClassStandard
	case TierStandardIA:
		return types.StorageClassStandardIa
	case TierOneZoneIA:
		return types.StorageClassOnezoneIa
	case TierReducedRedundancy:
		return types.StorageClassReducedRedundancy
	case TierGlacierIR:
		return types.StorageClassGlacierIr
	case TierGlacier:
		return types.StorageClassGlacier
	case TierDeepArchive:
		return types.StorageClassDeepArchive
	case TierIntelligent:
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// objectClass returns the tier of a listed object. S3 omits the class for
// Standard objects.
func objectClass(c types.ObjectStorageClass) string {
	if c == "" {
		return TierStandard
	}
	return string(c)
}

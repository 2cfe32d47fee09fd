/*
Package types defines the deepfreeze entity model shared by every component.

# Entities

Repository:
One search-engine snapshot repository and the object-storage container (and
base path) backing it. Repositories are created by rotation, move through
thaw and refreeze, and are never physically deleted by deepfreeze. Status
moves only along the edges encoded in CanTransition:

	provisioning → active → retired → thawing → thawed → refreezing → retired
	                                      └──────────→ retired (restore failed)

ThawRequest:
One provider-side restore of one repository. failed and refrozen are
terminal; a completed request stays open until it is refrozen, and is
flagged expired once ExpiresAt has passed.

ILMPolicyBinding:
Which repository a lifecycle policy should point at. The Metadata Store is
authoritative for this; the reconciler rebinds cluster policies to match.

Settings:
Parameters fixed at setup and persisted with the metadata. Components
receive them by value at construction.

# Time

Components take a Clock so tests can pin "now". All timestamps are UTC.

	clock := &types.FixedClock{T: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	rotator := rotation.New(store, provider, cluster, settings, rotation.WithClock(clock))
*/
package types

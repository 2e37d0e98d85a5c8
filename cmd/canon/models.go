package main

import (
	"github.com/meridian/canon/pkg/registry"
)

// modelDescriptors defines the model types this deployment canonicalizes.
// Registration is code-owned: adding a model means adding a descriptor here
// and shipping a new build, which keeps key configuration reviewable.
func modelDescriptors() []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			Name:            "Customer",
			ExternalIDField: "externalId",
			KeyFields: [][]string{
				{"externalId"},
				{"email"},
			},
			FingerprintExclusions: map[string]bool{
				"syncedAt": true,
			},
		},
		{
			Name:            "Organization",
			ExternalIDField: "externalId",
			KeyFields: [][]string{
				{"externalId"},
				{"domain"},
			},
		},
		{
			Name:            "Asset",
			ExternalIDField: "serialNumber",
			KeyFields: [][]string{
				{"serialNumber"},
				{"manufacturer", "modelNumber", "assetTag"},
			},
			FingerprintExclusions: map[string]bool{
				"lastSeenAt": true,
			},
		},
	}
}

package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill message headers into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	maps.Copy(result, md)
	return result
}

// ToWatermill copies Metadata into a Watermill header map.
func ToWatermill(metadata Metadata) message.Metadata {
	wm := make(message.Metadata, len(metadata))
	maps.Copy(wm, metadata)
	return wm
}

package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageReference(t *testing.T) {
	ref, err := ImageReference("knowledge-api", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "knowledge-api:1.2.0", ref)
}

func TestImageReferenceBuildMetadata(t *testing.T) {
	ref, err := ImageReference("knowledge-api", "1.2.0+build.7")
	require.NoError(t, err)
	assert.Equal(t, "knowledge-api:1.2.0_build.7", ref)
}

func TestImageReferenceInvalidName(t *testing.T) {
	_, err := ImageReference("Knowledge API!", "1.0.0")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestImageID(t *testing.T) {
	assert.Equal(t, "img-knowledge-api-1-2-0", imageID("knowledge-api", "1.2.0"))
	assert.Equal(t, "img-app-0-1-0-rc-1", imageID("app", "0.1.0-rc.1"))
}

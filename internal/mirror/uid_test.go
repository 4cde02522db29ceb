package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUIDSuffix(t *testing.T) {
	assert.Equal(t, "13-16-80-4B", UIDSuffix("E0:04:03:50:13:16:80:4B"))
	assert.Equal(t, "0E-F4-BA-91", UIDSuffix("0E:F4:BA:91"))
	assert.Equal(t, "13-16-80-4B", UIDSuffix("e0040350 1316804b"))
	assert.Equal(t, "", UIDSuffix(""))
	assert.Equal(t, "", UIDSuffix("0E:F4"))
}

func TestUIDMapPath(t *testing.T) {
	assert.Equal(t, "/teddycloud/uids/13-16-80-4B.json", UIDMapPath("E0:04:03:50:13:16:80:4B"))
	assert.Equal(t, "/teddycloud/uids/unknown.json", UIDMapPath(""))
}

func TestDeviceTagID(t *testing.T) {
	// Last four bytes 13:16:80:4B, reversed to 4B:80:16:13, each rendered as
	// three decimal digits.
	assert.Equal(t, "075128022019", DeviceTagID("E0:04:03:50:13:16:80:4B"))
	// Bytes below 0x10 zero-pad to three digits.
	assert.Equal(t, "145186244014", DeviceTagID("0E:F4:BA:91"))
	assert.Equal(t, "", DeviceTagID(""))
	assert.Equal(t, "", DeviceTagID("ZZ"))
}

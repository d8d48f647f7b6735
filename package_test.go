package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackageID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PackageID
		wantErr bool
	}{
		{"simple", "mylib-1.0", PackageID{"mylib", "1.0"}, false},
		{"hyphenated name", "my-lib-1.0", PackageID{"my-lib", "1.0"}, false},
		{"multi component version", "parser-0.12.3", PackageID{"parser", "0.12.3"}, false},
		{"alnum version", "tool-1.0rc1", PackageID{"tool", "1.0rc1"}, false},
		{"no version", "mylib", PackageID{}, true},
		{"empty version", "mylib-", PackageID{}, true},
		{"empty name", "-1.0", PackageID{}, true},
		{"version without digit", "my-lib", PackageID{}, true},
		{"empty string", "", PackageID{}, true},
		{"path separator", "my/lib-1.0", PackageID{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePackageID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPackage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPackageIDRoundTrip(t *testing.T) {
	for _, s := range []string{"mylib-1.0", "my-lib-2.13.7", "a-0"} {
		pkg, err := ParsePackageID(s)
		require.NoError(t, err)
		assert.Equal(t, s, pkg.String())
	}
}

func TestAuthorizers(t *testing.T) {
	ctx := t.Context()
	pkg := PackageID{Name: "mylib", Version: "1.0"}

	assert.NoError(t, AllowAll().AuthorizeUpload(ctx, pkg))
	assert.ErrorIs(t, DenyAll().AuthorizeUpload(ctx, pkg), ErrUnauthorized)
}

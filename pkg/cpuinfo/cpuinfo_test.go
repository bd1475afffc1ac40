package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []int
		wantErr bool
	}{
		{name: "single", spec: "0\n", want: []int{0}},
		{name: "range", spec: "0-3\n", want: []int{0, 1, 2, 3}},
		{name: "mixed", spec: "0-1,4,6-7", want: []int{0, 1, 4, 6, 7}},
		{name: "overlap", spec: "0-2,1-3", want: []int{0, 1, 2, 3}},
		{name: "empty", spec: "\n", wantErr: true},
		{name: "reversed", spec: "3-1", wantErr: true},
		{name: "garbage", spec: "a-b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverNeverEmpty(t *testing.T) {
	cpus := Discover()
	require.NotEmpty(t, cpus)
	for i := 1; i < len(cpus); i++ {
		assert.Less(t, cpus[i-1], cpus[i])
	}
}

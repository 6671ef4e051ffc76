package pm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchFlagsNormalize(t *testing.T) {
	assert.Equal(t, NormalApplication|LoadDependencies, NormalApplication.Normalize())
	assert.Equal(t, NotifyOnTermination, (NotifyOnTermination | UseUpdateTitle | QueueDebugApplication).Normalize())
}

func TestParseLaunchFlags(t *testing.T) {
	tests := []struct {
		in      string
		want    LaunchFlags
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "none", want: 0},
		{in: "normal_application|notify_on_termination", want: NormalApplication | NotifyOnTermination},
		{in: "notify_on_termination, variant=3", want: NotifyOnTermination.WithNotifyVariant(3)},
		{in: "LOAD_DEPENDENCIES", want: LoadDependencies},
		{in: "variant=16", wantErr: true},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLaunchFlags(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLaunchFlagsStringRoundTrip(t *testing.T) {
	f := (NormalApplication | NotifyOnTermination).WithNotifyVariant(5)
	assert.Equal(t, "normal_application|notify_on_termination|variant=5", f.String())
	back, err := ParseLaunchFlags(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, back)
	assert.Equal(t, "none", LaunchFlags(0).String())
}

package notify

import "testing"

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "succeeded with artifact",
			ev: Event{
				BuildID:      "bld-1",
				Status:       "SUCCEEDED",
				ArtifactPath: "/home/spec/artifacts/bld-1.tar.gz",
			},
			want: "✅ Build succeeded\nbld-1\nArtifact: /home/spec/artifacts/bld-1.tar.gz",
		},
		{
			name: "rejected with summary",
			ev: Event{
				BuildID: "bld-2",
				Status:  "REJECTED",
				Summary: "2 validation errors",
			},
			want: "⚠️ Build rejected\nbld-2\n2 validation errors",
		},
		{
			name: "failed with summary",
			ev: Event{
				BuildID: "bld-3",
				Status:  "FAILED",
				Summary: "stage interpret_intent: attempt 4/4",
			},
			want: "❌ Build failed\nbld-3\nstage interpret_intent: attempt 4/4",
		},
		{
			name: "unknown status falls back to lowercase",
			ev:   Event{BuildID: "bld-4", Status: "CANCELED"},
			want: "Build canceled\nbld-4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMessage(tt.ev); got != tt.want {
				t.Fatalf("formatMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

package gcp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/runnerforge/orchestrator/internal/runtime"
)

func TestBuildInstance(t *testing.T) {
	cfg := Config{
		Project:     "proj",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		DiskSizeGB:  50,
	}
	spec := runtime.RunSpec{
		Image: "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts",
		Name:  "runner-1",
		Env: map[string]string{
			"RUNNER_NAME": "runner-1",
			"GITHUB_REPO": "octo/repo",
		},
		Labels: map[string]string{
			"gha-ephemeral": "true",
			"gha-scope":     "Repository",
		},
	}

	inst := buildInstance(cfg, spec)

	assert.Equal(t, "runner-1", inst.GetName())
	assert.Equal(t, "zones/us-central1-a/machineTypes/e2-medium", inst.GetMachineType())

	require.Len(t, inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(t, disk.GetBoot())
	assert.True(t, disk.GetAutoDelete())
	assert.Equal(t, spec.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Equal(t, int64(50), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(t, "zones/us-central1-a/diskTypes/pd-ssd", disk.GetInitializeParams().GetDiskType())

	// Metadata items come out sorted by key.
	items := inst.GetMetadata().GetItems()
	require.Len(t, items, 2)
	assert.Equal(t, "GITHUB_REPO", items[0].GetKey())
	assert.Equal(t, "octo/repo", items[0].GetValue())
	assert.Equal(t, "RUNNER_NAME", items[1].GetKey())

	// Label values pass through the GCP charset sanitizer.
	assert.Equal(t, map[string]string{
		"gha-ephemeral": "true",
		"gha-scope":     "repository",
	}, inst.GetLabels())
}

func TestBuildInstanceNetworking(t *testing.T) {
	t.Run("defaults to the default network with no external IP", func(t *testing.T) {
		inst := buildInstance(Config{Zone: "z"}, runtime.RunSpec{Name: "r"})

		require.Len(t, inst.GetNetworkInterfaces(), 1)
		nic := inst.GetNetworkInterfaces()[0]
		assert.Equal(t, "global/networks/default", nic.GetNetwork())
		assert.Empty(t, nic.GetSubnetwork())
		assert.Empty(t, nic.GetAccessConfigs())
	})

	t.Run("uses the spec network and configured subnet", func(t *testing.T) {
		cfg := Config{Zone: "z", Subnet: "regions/us-central1/subnetworks/runners"}
		spec := runtime.RunSpec{Name: "r", Network: "runner-vpc"}

		nic := buildInstance(cfg, spec).GetNetworkInterfaces()[0]
		assert.Equal(t, "global/networks/runner-vpc", nic.GetNetwork())
		assert.Equal(t, cfg.Subnet, nic.GetSubnetwork())
	})

	t.Run("public IP adds a NAT access config", func(t *testing.T) {
		nic := buildInstance(Config{Zone: "z", PublicIP: true}, runtime.RunSpec{Name: "r"}).GetNetworkInterfaces()[0]

		require.Len(t, nic.GetAccessConfigs(), 1)
		assert.Equal(t, "ONE_TO_ONE_NAT", nic.GetAccessConfigs()[0].GetType())
	})
}

func TestBuildInstanceServiceAccount(t *testing.T) {
	inst := buildInstance(Config{Zone: "z"}, runtime.RunSpec{Name: "r"})
	assert.Empty(t, inst.GetServiceAccounts())

	inst = buildInstance(Config{Zone: "z", ServiceAccount: "runner@proj.iam.gserviceaccount.com"}, runtime.RunSpec{Name: "r"})
	require.Len(t, inst.GetServiceAccounts(), 1)
	assert.Equal(t, "runner@proj.iam.gserviceaccount.com", inst.GetServiceAccounts()[0].GetEmail())
	assert.Equal(t, []string{"https://www.googleapis.com/auth/cloud-platform"}, inst.GetServiceAccounts()[0].GetScopes())
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"already-ok_1", "already-ok_1"},
		{"MixedCase", "mixedcase"},
		{"octo/repo", "octo-repo"},
		{"dots.and spaces", "dots-and-spaces"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeLabel(tt.in), "input %q", tt.in)
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: 404}))
	assert.True(t, isNotFound(fmt.Errorf("get: %w", &googleapi.Error{Code: 404})))
	assert.False(t, isNotFound(&googleapi.Error{Code: 403}))
	assert.False(t, isNotFound(errors.New("plain")))
	assert.False(t, isNotFound(nil))
}

// Package gcp implements the runtime.Runtime interface using Google
// Cloud Compute Engine to host ephemeral runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default
// login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/runnerforge/orchestrator/internal/runtime"
)

// Config holds GCP-specific settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string
}

// Runtime manages ephemeral runners as GCP Compute Engine VMs.  The
// RunSpec maps onto the VM as follows: Image is the boot image
// self-link, Env becomes instance metadata for the startup script,
// Labels become instance labels (sanitized to GCP's charset), and
// Network is the VPC network name.
type Runtime struct {
	client   *compute.InstancesClient
	opClient *compute.ZoneOperationsClient
	cfg      Config
	logger   *slog.Logger
}

// Compile-time check.
var _ runtime.Runtime = (*Runtime)(nil)

// New creates a GCP runtime using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	logger.Info("gcp runtime initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return &Runtime{
		client:   client,
		opClient: opClient,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Close releases the underlying API clients.
func (g *Runtime) Close() error {
	err := g.client.Close()
	if opErr := g.opClient.Close(); opErr != nil && err == nil {
		err = opErr
	}
	return err
}

// Run creates and starts a VM from the spec.  The spec's Env is passed
// as instance metadata so the image's startup script can read it.
func (g *Runtime) Run(ctx context.Context, spec runtime.RunSpec) (runtime.Ref, error) {
	instance := buildInstance(g.cfg, spec)

	g.logger.Info("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("machine_type", g.cfg.MachineType),
		slog.String("zone", g.cfg.Zone),
	)

	op, err := g.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          g.cfg.Project,
		Zone:             g.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", spec.Name, err)
	}

	g.logger.Info("runner VM started", slog.String("name", spec.Name))

	// The instance name is the opaque ref.
	return runtime.Ref(spec.Name), nil
}

// buildInstance maps a RunSpec plus the runtime config onto a compute
// instance resource.
func buildInstance(cfg Config, spec runtime.RunSpec) *computepb.Instance {
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", cfg.Zone, cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(spec.Image),
			DiskSizeGb:  proto.Int64(cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", cfg.Zone)),
		},
	}

	network := spec.Network
	if network == "" {
		network = "default"
	}
	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", network)),
	}
	if cfg.Subnet != "" {
		nic.Subnetwork = proto.String(cfg.Subnet)
	}
	if cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]*computepb.Items, 0, len(keys))
	for _, k := range keys {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(spec.Env[k]),
		})
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[sanitizeLabel(k)] = sanitizeLabel(v)
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            labels,
	}

	if cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	return instance
}

// Stop stops the VM.  A missing VM is success.
func (g *Runtime) Stop(ctx context.Context, ref runtime.Ref, timeout time.Duration) error {
	op, err := g.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  g.cfg.Project,
		Zone:     g.cfg.Zone,
		Instance: string(ref),
	}, gax.WithTimeout(timeout))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop instance %s: %w", ref, err)
	}
	if err := op.Wait(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("waiting for stop of %s: %w", ref, err)
	}
	return nil
}

// Remove permanently deletes the VM.  Idempotent.
func (g *Runtime) Remove(ctx context.Context, ref runtime.Ref) error {
	g.logger.Info("deleting runner VM", slog.String("name", string(ref)))

	op, err := g.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  g.cfg.Project,
		Zone:     g.cfg.Zone,
		Instance: string(ref),
	})
	if err != nil {
		if isNotFound(err) {
			g.logger.Info("runner VM already deleted", slog.String("name", string(ref)))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", ref, err)
	}
	if err := op.Wait(ctx); err != nil {
		// Race between delete and wait.
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", ref, err)
	}
	return nil
}

// ListByLabel returns the instances in the configured zone carrying
// label key=value.
func (g *Runtime) ListByLabel(ctx context.Context, key, value string) ([]runtime.Ref, error) {
	filter := fmt.Sprintf("labels.%s=%s", sanitizeLabel(key), sanitizeLabel(value))
	it := g.client.List(ctx, &computepb.ListInstancesRequest{
		Project: g.cfg.Project,
		Zone:    g.cfg.Zone,
		Filter:  proto.String(filter),
	})

	var refs []runtime.Ref
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list instances by label %s: %w", filter, err)
		}
		refs = append(refs, runtime.Ref(inst.GetName()))
	}
	return refs, nil
}

// Inspect returns the observed VM state.
func (g *Runtime) Inspect(ctx context.Context, ref runtime.Ref) (runtime.Info, error) {
	inst, err := g.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  g.cfg.Project,
		Zone:     g.cfg.Zone,
		Instance: string(ref),
	})
	if err != nil {
		if isNotFound(err) {
			return runtime.Info{}, runtime.ErrNotFound
		}
		return runtime.Info{}, fmt.Errorf("get instance %s: %w", ref, err)
	}

	createdAt, _ := time.Parse(time.RFC3339, inst.GetCreationTimestamp())

	var image string
	if disks := inst.GetDisks(); len(disks) > 0 && disks[0].GetInitializeParams() != nil {
		image = disks[0].GetInitializeParams().GetSourceImage()
	}

	return runtime.Info{
		Status: inst.GetStatus(),
		// VM status values per the compute API.
		Running:   inst.GetStatus() == "RUNNING",
		CreatedAt: createdAt,
		Labels:    inst.GetLabels(),
		Image:     image,
	}, nil
}

// Logs returns up to tail trailing lines of the VM's serial port
// output.
func (g *Runtime) Logs(ctx context.Context, ref runtime.Ref, tail int) (string, error) {
	out, err := g.client.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project:  g.cfg.Project,
		Zone:     g.cfg.Zone,
		Instance: string(ref),
	})
	if err != nil {
		if isNotFound(err) {
			return "", runtime.ErrNotFound
		}
		return "", fmt.Errorf("serial port output %s: %w", ref, err)
	}

	lines := strings.Split(out.GetContents(), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

// sanitizeLabel maps an arbitrary string onto GCP's label charset:
// lowercase letters, digits, underscores, and dashes.
func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// isNotFound reports whether err is a 404 from the GCP API.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return false
}

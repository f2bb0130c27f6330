package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/tetherapp/tether-session-core/internal/metrics"
)

const (
	defaultInstanceType = "c7g.large"
	roomPort            = 7443
	runningTimeout      = 2 * time.Minute
)

type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type AWSProvisionerOptions struct {
	Region        string
	AMIID         string
	InstanceType  string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
}

// AWSProvisioner launches one media server instance per session room. The
// room handle is the EC2 instance id.
type AWSProvisioner struct {
	opts  AWSProvisionerOptions
	retry retryPolicy

	client      func(ctx context.Context) (ec2API, error)
	waitRunning func(ctx context.Context, api ec2API, instanceID string) error
}

func NewAWSProvisioner(opts AWSProvisionerOptions) (*AWSProvisioner, error) {
	opts.Region = strings.TrimSpace(opts.Region)
	opts.AMIID = strings.TrimSpace(opts.AMIID)
	opts.SubnetID = strings.TrimSpace(opts.SubnetID)
	opts.KeyName = strings.TrimSpace(opts.KeyName)
	opts.InstanceType = strings.TrimSpace(opts.InstanceType)
	if opts.AMIID == "" {
		return nil, errors.New("room: AMI id is required")
	}
	if opts.Region == "" {
		return nil, errors.New("room: region is required")
	}
	if opts.InstanceType == "" {
		opts.InstanceType = defaultInstanceType
	}

	p := &AWSProvisioner{opts: opts, retry: ec2Retry, waitRunning: waitInstanceRunning}
	p.client = func(ctx context.Context) (ec2API, error) {
		cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return ec2.NewFromConfig(cfg), nil
	}
	return p, nil
}

func (p *AWSProvisioner) launchInput(sessionID string) *ec2.RunInstancesInput {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.opts.AMIID),
		InstanceType: ec2types.InstanceType(p.opts.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String("tether-room-" + sessionID)},
				{Key: aws.String("ManagedBy"), Value: aws.String("tether-session-core")},
				{Key: aws.String("TetherSessionID"), Value: aws.String(sessionID)},
			},
		}},
	}
	if p.opts.KeyName != "" {
		in.KeyName = aws.String(p.opts.KeyName)
	}
	// Security groups go on the interface when a subnet is pinned.
	if p.opts.SubnetID == "" {
		if len(p.opts.SecurityGroup) > 0 {
			in.SecurityGroupIds = p.opts.SecurityGroup
		}
		return in
	}
	in.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
		DeviceIndex:              aws.Int32(0),
		AssociatePublicIpAddress: aws.Bool(true),
		SubnetId:                 aws.String(p.opts.SubnetID),
		Groups:                   p.opts.SecurityGroup,
	}}
	return in
}

func (p *AWSProvisioner) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	api, err := p.client(ctx)
	if err != nil {
		return ProvisionResult{}, err
	}

	var out *ec2.RunInstancesOutput
	err = p.call(ctx, "run_instances", req.SessionID, func(ctx context.Context) error {
		var runErr error
		out, runErr = api.RunInstances(ctx, p.launchInput(req.SessionID))
		return runErr
	})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return ProvisionResult{}, errors.New("run instances: no instance returned")
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	if err := p.waitRunning(ctx, api, instanceID); err != nil {
		return ProvisionResult{}, fmt.Errorf("wait running: %w", err)
	}
	desc, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("describe instances: %w", err)
	}
	ip := publicIP(desc)
	if ip == "" {
		return ProvisionResult{}, fmt.Errorf("instance %s has no public ip", instanceID)
	}

	return ProvisionResult{
		Handle:   instanceID,
		JoinURL:  joinURL(ip, req.SessionID),
		PublicIP: ip,
	}, nil
}

// Release terminates the room instance. An empty handle or an instance that
// is already gone is not an error.
func (p *AWSProvisioner) Release(ctx context.Context, req ReleaseRequest) error {
	if strings.TrimSpace(req.Handle) == "" {
		return nil
	}
	api, err := p.client(ctx)
	if err != nil {
		return err
	}
	err = p.call(ctx, "terminate_instances", req.SessionID, func(ctx context.Context) error {
		_, termErr := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{req.Handle}})
		return termErr
	})
	if err != nil && !instanceGone(err) {
		return fmt.Errorf("terminate instance: %w", err)
	}
	return nil
}

// call runs fn under the retry policy and records one latency sample for the
// whole operation.
func (p *AWSProvisioner) call(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	start := time.Now()
	err := p.retry.run(ctx, op, p.opts.Region, fn)
	elapsed := time.Since(start).Milliseconds()

	status := "ok"
	if err != nil {
		status = "error"
		if op == "terminate_instances" && instanceGone(err) {
			status = "ignored"
		}
	}
	log.Printf("metric=aws_%s_latency_ms region=%s session_id=%s value=%d status=%s", op, p.opts.Region, sessionID, elapsed, status)
	labels := map[string]string{"op": op, "region": p.opts.Region, "status": status}
	metrics.Default().IncCounter("tether_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("tether_aws_operation_latency_ms", float64(elapsed), labels)
	return err
}

func waitInstanceRunning(ctx context.Context, api ec2API, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, runningTimeout)
	defer cancel()
	return ec2.NewInstanceRunningWaiter(api).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, runningTimeout)
}

func publicIP(out *ec2.DescribeInstancesOutput) string {
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if ip := strings.TrimSpace(aws.ToString(inst.PublicIpAddress)); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func joinURL(host, sessionID string) string {
	return fmt.Sprintf("wss://%s:%d/room/%s", host, roomPort, sessionID)
}

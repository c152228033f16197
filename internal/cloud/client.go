// Package cloud implements the Cloud Control Port: the orchestrator's only
// way to learn about and act on the instances behind a pool. It wraps the
// EC2 and Auto Scaling APIs the reconciler and pool controller need and
// nothing more.
//
// Purpose:
// - Describe an instance's run state, private IP, and health
// - Start/stop/tag an instance
// - Read and adjust an Auto Scaling group's membership and desired capacity
//
// Implementation Details:
// - Uses aws-sdk-go-v2's ec2 and autoscaling service clients
// - Health is derived the same way the AWS console derives it: a status
//   check of "ok", "insufficient-data", or "not-applicable" counts as
//   passing, since status checks can legitimately lag a newly-started
//   instance; any other value ("impaired", "initializing", "unknown", ...)
//   counts as not passing
//
// Dependencies:
// - github.com/aws/aws-sdk-go-v2/service/ec2
// - github.com/aws/aws-sdk-go-v2/service/autoscaling
package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/deskpool/orchestrator/internal/logger"
)

// InstanceStatus reports what the cloud knows about one instance right now.
type InstanceStatus struct {
	InstanceID string
	State      string // e.g. "running", "stopped", "pending", "stopping"
	PrivateIP  string
	Health     HealthCheck
	Tags       map[string]string
	Found      bool
}

// HealthCheck mirrors the system/instance status-check pair EC2 reports.
type HealthCheck struct {
	SystemStatus   string // "ok", "impaired", "insufficient-data", "not-applicable", "initializing", "unknown"
	InstanceStatus string
	PassedChecks   int
	TotalChecks    int
	AllPassed      bool
}

// GroupCapacity is an Auto Scaling group's size settings.
type GroupCapacity struct {
	Min     int32
	Max     int32
	Desired int32
}

// EC2API is the subset of the EC2 client this package calls; satisfied by
// *ec2.Client and mockable in tests.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// AutoScalingAPI is the subset of the Auto Scaling client this package
// calls; satisfied by *autoscaling.Client and mockable in tests.
type AutoScalingAPI interface {
	DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
}

// Client is the Cloud Control Port.
type Client struct {
	ec2 EC2API
	asg AutoScalingAPI
}

// NewClient wraps already-constructed AWS SDK clients. Callers build the
// underlying clients from an aws.Config (via config.LoadDefaultConfig) so
// region/credentials resolution stays in cmd/main.go, not here.
func NewClient(ec2Client EC2API, asgClient AutoScalingAPI) *Client {
	return &Client{ec2: ec2Client, asg: asgClient}
}

// Describe returns the current state, IP, health, and tags of an instance.
// A not-found instance returns (InstanceStatus{Found: false}, nil), not an
// error: the reconciler's orphan-release pass treats "gone" as routine.
func (c *Client) Describe(ctx context.Context, instanceID string) (InstanceStatus, error) {
	log := logger.GetLogger()

	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return InstanceStatus{}, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return InstanceStatus{Found: false}, nil
	}

	inst := out.Reservations[0].Instances[0]
	status := InstanceStatus{
		InstanceID: instanceID,
		State:      string(inst.State.Name),
		Found:      true,
		Tags:       tagsToMap(inst.Tags),
	}
	if inst.PrivateIpAddress != nil {
		status.PrivateIP = *inst.PrivateIpAddress
	}

	status.Health = c.describeHealth(ctx, instanceID)

	log.Debug().
		Str("instance_id", instanceID).
		Str("state", status.State).
		Bool("healthy", status.Health.AllPassed).
		Msg("described instance")

	return status, nil
}

// describeHealth computes the all-passed verdict the same way the EC2
// console does: status checks may legitimately lag right after start, so
// "ok"/"insufficient-data"/"not-applicable" all count as passing.
func (c *Client) describeHealth(ctx context.Context, instanceID string) HealthCheck {
	log := logger.GetLogger()

	out, err := c.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(false),
	})
	if err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("could not get instance status checks")
		return HealthCheck{SystemStatus: "unknown", InstanceStatus: "unknown", AllPassed: false}
	}

	if len(out.InstanceStatuses) == 0 {
		return HealthCheck{SystemStatus: "initializing", InstanceStatus: "initializing", AllPassed: false}
	}

	s := out.InstanceStatuses[0]
	systemStatus := string(s.SystemStatus.Status)
	instanceStatus := string(s.InstanceStatus.Status)

	systemDetails := s.SystemStatus.Details
	instanceDetails := s.InstanceStatus.Details

	total := len(systemDetails) + len(instanceDetails)
	passed := 0
	for _, d := range systemDetails {
		if d.Status == ec2types.SummaryStatusPassed {
			passed++
		}
	}
	for _, d := range instanceDetails {
		if d.Status == ec2types.SummaryStatusPassed {
			passed++
		}
	}

	systemOK := isAcceptableStatus(systemStatus)
	instanceOK := isAcceptableStatus(instanceStatus)
	allPassed := (systemOK && instanceOK) || (total > 0 && passed == total)

	return HealthCheck{
		SystemStatus:   systemStatus,
		InstanceStatus: instanceStatus,
		PassedChecks:   passed,
		TotalChecks:    total,
		AllPassed:      allPassed,
	}
}

func isAcceptableStatus(status string) bool {
	switch status {
	case "ok", "insufficient-data", "not-applicable":
		return true
	default:
		return false
	}
}

// Start starts a stopped instance.
func (c *Client) Start(ctx context.Context, instanceID string) error {
	if _, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	return nil
}

// Stop stops a running instance.
func (c *Client) Stop(ctx context.Context, instanceID string) error {
	if _, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

// Tag applies tags to an instance.
func (c *Client) Tag(ctx context.Context, instanceID string, tags map[string]string) error {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	if _, err := c.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("tag instance %s: %w", instanceID, err)
	}
	return nil
}

// GroupMembers returns the instance IDs currently belonging to an Auto
// Scaling group, the reconciler's source of cloud ground truth for pool
// sync.
func (c *Client) GroupMembers(ctx context.Context, groupName string) ([]string, error) {
	out, err := c.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{groupName},
	})
	if err != nil {
		return nil, fmt.Errorf("describe auto scaling group %s: %w", groupName, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}

	members := make([]string, 0, len(out.AutoScalingGroups[0].Instances))
	for _, i := range out.AutoScalingGroups[0].Instances {
		if i.InstanceId != nil {
			members = append(members, *i.InstanceId)
		}
	}
	return members, nil
}

// GroupCapacity returns an Auto Scaling group's min/max/desired sizes.
func (c *Client) GroupCapacity(ctx context.Context, groupName string) (GroupCapacity, error) {
	out, err := c.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{groupName},
	})
	if err != nil {
		return GroupCapacity{}, fmt.Errorf("describe auto scaling group %s: %w", groupName, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return GroupCapacity{}, nil
	}

	g := out.AutoScalingGroups[0]
	return GroupCapacity{
		Min:     aws.ToInt32(g.MinSize),
		Max:     aws.ToInt32(g.MaxSize),
		Desired: aws.ToInt32(g.DesiredCapacity),
	}, nil
}

// SetDesired sets an Auto Scaling group's desired capacity, the
// reconciler's per-tier scale-up/scale-down lever.
func (c *Client) SetDesired(ctx context.Context, groupName string, desired int32) error {
	if _, err := c.asg.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(groupName),
		DesiredCapacity:      aws.Int32(desired),
	}); err != nil {
		return fmt.Errorf("set desired capacity for %s: %w", groupName, err)
	}
	return nil
}

func tagsToMap(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		if t.Key != nil && t.Value != nil {
			m[*t.Key] = *t.Value
		}
	}
	return m
}

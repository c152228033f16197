package cloud

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	describeInstancesOut *ec2.DescribeInstancesOutput
	describeStatusOut    *ec2.DescribeInstanceStatusOutput
	describeStatusErr    error
	tagCalls             []string
	startCalls           []string
	stopCalls            []string
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.describeInstancesOut, nil
}

func (f *fakeEC2) DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	return f.describeStatusOut, f.describeStatusErr
}

func (f *fakeEC2) StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.startCalls = append(f.startCalls, params.InstanceIds[0])
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopCalls = append(f.stopCalls, params.InstanceIds[0])
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagCalls = append(f.tagCalls, params.Resources[0])
	return &ec2.CreateTagsOutput{}, nil
}

type fakeASG struct {
	describeOut *autoscaling.DescribeAutoScalingGroupsOutput
	setDesired  int32
	setCalled   bool
}

func (f *fakeASG) DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return f.describeOut, nil
}

func (f *fakeASG) SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	f.setCalled = true
	f.setDesired = aws.ToInt32(params.DesiredCapacity)
	return &autoscaling.SetDesiredCapacityOutput{}, nil
}

func instanceOutput(state ec2types.InstanceStateName, ip string) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{
			{
				Instances: []ec2types.Instance{
					{
						State:            &ec2types.InstanceState{Name: state},
						PrivateIpAddress: aws.String(ip),
						Tags: []ec2types.Tag{
							{Key: aws.String("plan"), Value: aws.String("pro")},
						},
					},
				},
			},
		},
	}
}

func TestDescribe_NotFound(t *testing.T) {
	ec2Client := &fakeEC2{describeInstancesOut: &ec2.DescribeInstancesOutput{}}
	c := NewClient(ec2Client, &fakeASG{})

	status, err := c.Describe(context.Background(), "i-missing")

	require.NoError(t, err)
	assert.False(t, status.Found)
}

func TestDescribe_HealthyAllChecksPassed(t *testing.T) {
	ec2Client := &fakeEC2{
		describeInstancesOut: instanceOutput(ec2types.InstanceStateNameRunning, "10.0.0.5"),
		describeStatusOut: &ec2.DescribeInstanceStatusOutput{
			InstanceStatuses: []ec2types.InstanceStatus{
				{
					SystemStatus: &ec2types.InstanceStatusSummary{
						Status: ec2types.SummaryStatusOk,
						Details: []ec2types.Details{
							{Status: ec2types.SummaryStatusPassed},
						},
					},
					InstanceStatus: &ec2types.InstanceStatusSummary{
						Status: ec2types.SummaryStatusOk,
						Details: []ec2types.Details{
							{Status: ec2types.SummaryStatusPassed},
							{Status: ec2types.SummaryStatusPassed},
						},
					},
				},
			},
		},
	}
	c := NewClient(ec2Client, &fakeASG{})

	status, err := c.Describe(context.Background(), "i-A")

	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, "10.0.0.5", status.PrivateIP)
	assert.True(t, status.Health.AllPassed)
	assert.Equal(t, 3, status.Health.TotalChecks)
	assert.Equal(t, "pro", status.Tags["plan"])
}

func TestDescribe_NoStatusChecksYetIsNotHealthy(t *testing.T) {
	ec2Client := &fakeEC2{
		describeInstancesOut: instanceOutput(ec2types.InstanceStateNamePending, "10.0.0.9"),
		describeStatusOut:    &ec2.DescribeInstanceStatusOutput{},
	}
	c := NewClient(ec2Client, &fakeASG{})

	status, err := c.Describe(context.Background(), "i-new")

	require.NoError(t, err)
	assert.Equal(t, "initializing", status.Health.SystemStatus)
	assert.False(t, status.Health.AllPassed)
}

func TestDescribe_InsufficientDataCountsAsAcceptable(t *testing.T) {
	ec2Client := &fakeEC2{
		describeInstancesOut: instanceOutput(ec2types.InstanceStateNameRunning, "10.0.0.7"),
		describeStatusOut: &ec2.DescribeInstanceStatusOutput{
			InstanceStatuses: []ec2types.InstanceStatus{
				{
					SystemStatus:   &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusInsufficientData},
					InstanceStatus: &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusOk},
				},
			},
		},
	}
	c := NewClient(ec2Client, &fakeASG{})

	status, err := c.Describe(context.Background(), "i-B")

	require.NoError(t, err)
	assert.True(t, status.Health.AllPassed)
}

func TestStartStopTag(t *testing.T) {
	ec2Client := &fakeEC2{}
	c := NewClient(ec2Client, &fakeASG{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "i-A"))
	require.NoError(t, c.Stop(ctx, "i-A"))
	require.NoError(t, c.Tag(ctx, "i-A", map[string]string{"session_id": "s-1"}))

	assert.Equal(t, []string{"i-A"}, ec2Client.startCalls)
	assert.Equal(t, []string{"i-A"}, ec2Client.stopCalls)
	assert.Equal(t, []string{"i-A"}, ec2Client.tagCalls)
}

func TestGroupMembersAndCapacity(t *testing.T) {
	asg := &fakeASG{
		describeOut: &autoscaling.DescribeAutoScalingGroupsOutput{
			AutoScalingGroups: []asgtypes.AutoScalingGroup{
				{
					MinSize:         aws.Int32(1),
					MaxSize:         aws.Int32(10),
					DesiredCapacity: aws.Int32(3),
					Instances: []asgtypes.Instance{
						{InstanceId: aws.String("i-A")},
						{InstanceId: aws.String("i-B")},
					},
				},
			},
		},
	}
	c := NewClient(&fakeEC2{}, asg)

	members, err := c.GroupMembers(context.Background(), "pro-asg")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-A", "i-B"}, members)

	cap, err := c.GroupCapacity(context.Background(), "pro-asg")
	require.NoError(t, err)
	assert.Equal(t, GroupCapacity{Min: 1, Max: 10, Desired: 3}, cap)
}

func TestSetDesired(t *testing.T) {
	asg := &fakeASG{}
	c := NewClient(&fakeEC2{}, asg)

	require.NoError(t, c.SetDesired(context.Background(), "pro-asg", 5))

	assert.True(t, asg.setCalled)
	assert.Equal(t, int32(5), asg.setDesired)
}

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskpool/orchestrator/internal/cloud"
	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
)

type fakeASG struct {
	desiredOut int32
	minOut     int32
	maxOut     int32
	members    []string
	setDesired int32
	setCalled  bool
}

func (f *fakeASG) DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	instances := make([]asgtypes.Instance, len(f.members))
	for i, id := range f.members {
		instances[i] = asgtypes.Instance{InstanceId: aws.String(id)}
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{
		AutoScalingGroups: []asgtypes.AutoScalingGroup{{
			DesiredCapacity: aws.Int32(f.desiredOut),
			MinSize:         aws.Int32(f.minOut),
			MaxSize:         aws.Int32(f.maxOut),
			Instances:       instances,
		}},
	}, nil
}

func (f *fakeASG) SetDesiredCapacity(ctx context.Context, params *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	f.setCalled = true
	f.setDesired = aws.ToInt32(params.DesiredCapacity)
	return &autoscaling.SetDesiredCapacityOutput{}, nil
}

type noopEC2 struct{}

func (noopEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{}, nil
}
func (noopEC2) DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	return &ec2.DescribeInstanceStatusOutput{}, nil
}
func (noopEC2) StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return &ec2.StartInstancesOutput{}, nil
}
func (noopEC2) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return &ec2.StopInstancesOutput{}, nil
}
func (noopEC2) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return &ec2.CreateTagsOutput{}, nil
}

func TestPassExpireSessions_TerminatesAndRecordsUsage(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessions := db.NewSessionDB(sqlDB)
	usage := db.NewUsageDB(sqlDB)
	pub, err := events.NewPublisher(events.Config{})
	require.NoError(t, err)

	r := New(Deps{
		Sessions:  sessions,
		Pool:      db.NewInstancePoolDB(sqlDB),
		Usage:     usage,
		Cloud:     cloud.NewClient(nil, nil),
		Publisher: pub,
	}, Config{})

	now := time.Now().UTC()
	createdAt := now.Add(-90 * time.Minute)

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "owner_display_name", "plan", "status",
		"instance_id", "instance_ip", "connection_info",
		"created_at", "updated_at", "expires_at",
		"last_active_at", "last_heartbeat_at", "idle_warning_sent_at",
		"focus_mode", "termination_reason", "metadata",
	}).AddRow(
		"sess-1", "u1", "", "pro", "active",
		nil, nil, []byte(`{}`),
		createdAt, createdAt, now.Add(-time.Minute),
		nil, nil, nil,
		false, nil, []byte(`{}`),
	)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	mock.ExpectQuery("INSERT INTO usage").
		WillReturnRows(sqlmock.NewRows([]string{"consumed_minutes"}).AddRow(90.0))

	mock.ExpectExec("UPDATE sessions SET status = 'terminated'").
		WithArgs("expired", sqlmock.AnyArg(), "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	count := r.passExpireSessions(context.Background(), now)

	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPassScale_ScalesUpWhenDemandExceedsSupply(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	sessions := db.NewSessionDB(sqlDB)
	asg := &fakeASG{desiredOut: 1, minOut: 0, maxOut: 5}

	r := New(Deps{
		Sessions: sessions,
		Pool:     db.NewInstancePoolDB(sqlDB),
		Cloud:    cloud.NewClient(noopEC2{}, asg),
	}, Config{ScaleUpCapPerCycle: 2})

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "owner_display_name", "plan", "status",
			"instance_id", "instance_ip", "connection_info",
			"created_at", "updated_at", "expires_at",
			"last_active_at", "last_heartbeat_at", "idle_warning_sent_at",
			"focus_mode", "termination_reason", "metadata",
		}).AddRow(
			"sess-1", "u1", "", "pro", "active",
			"i-1", "10.0.0.1", []byte(`{}`),
			time.Now(), time.Now(), time.Now().Add(time.Hour),
			nil, nil, nil,
			false, nil, []byte(`{}`),
		).AddRow(
			"sess-2", "u2", "", "pro", "active",
			"i-2", "10.0.0.2", []byte(`{}`),
			time.Now(), time.Now(), time.Now().Add(time.Hour),
			nil, nil, nil,
			false, nil, []byte(`{}`),
		).AddRow(
			"sess-3", "u3", "", "pro", "active",
			"i-3", "10.0.0.3", []byte(`{}`),
			time.Now(), time.Now(), time.Now().Add(time.Hour),
			nil, nil, nil,
			false, nil, []byte(`{}`),
		))

	mock.ExpectQuery("SELECT (.+) FROM instance_pool WHERE plan = ").
		WithArgs("pro").
		WillReturnRows(sqlmock.NewRows([]string{
			"instance_id", "status", "plan", "session_id", "owner_id",
			"assigned_at", "released_at", "instance_state", "updated_at",
		}).AddRow("i-1", "assigned", "pro", "sess-1", "u1", time.Now(), nil, "running", time.Now()))

	action := r.passScale(context.Background(), "pro", "asg-pro")

	assert.Equal(t, "scale_up", action)
	assert.True(t, asg.setCalled)
	assert.Equal(t, int32(3), asg.setDesired) // active=3, provisioned=1, deficit capped at 2
	assert.NoError(t, mock.ExpectationsWereMet())
}

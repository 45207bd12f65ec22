package esp

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100018c-ses-id")}, nil
}

func TestSESSender_Send(t *testing.T) {
	fake := &fakeSES{}
	s := NewSESSenderWithClient(fake, "campaigns")

	id, err := s.Send(context.Background(), Message{
		To:        "vendor@example.com",
		FromEmail: "hello@voxxy.events",
		FromName:  "Voxxy",
		Subject:   "Reminder",
		HTML:      "<p>hi</p>",
		Text:      "hi",
		Metadata:  map[string]string{"instance_id": "inst-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "0100018c-ses-id", id)
	assert.Equal(t, "Voxxy <hello@voxxy.events>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, []string{"vendor@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "campaigns", aws.ToString(fake.input.ConfigurationSetName))
	assert.Equal(t, "hi", aws.ToString(fake.input.Content.Simple.Body.Text.Data))
	require.Len(t, fake.input.EmailTags, 1)
	assert.Equal(t, "instance_id", aws.ToString(fake.input.EmailTags[0].Name))
}

func TestSESSender_Error(t *testing.T) {
	s := NewSESSenderWithClient(&fakeSES{err: errors.New("throttled")}, "")

	_, err := s.Send(context.Background(), Message{To: "a@example.com", FromEmail: "from@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

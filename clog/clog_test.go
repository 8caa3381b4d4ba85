package clog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStdKeys(t *testing.T) {
	assert := assert.New(t)
	ctx := AddPhoton(context.Background(), "gpt2-chat")
	ctx = AddDeployment(ctx, "gpt2-chat-dep")
	ctx = AddRequestID(ctx, "req1")
	ctx = AddWorker(ctx, "http://127.0.0.1:21002")
	ctx = AddTaskID(ctx, 9427)
	ctx = AddVal(ctx, "customKey", "customVal")
	msg := formatMessage(ctx, "testing message num=%d", 452)
	assert.Equal("photon=gpt2-chat deployment=gpt2-chat-dep request=req1 worker=http://127.0.0.1:21002 taskID=9427 customKey=customVal testing message num=452", msg)
	ctxCloned := Clone(context.Background(), ctx)
	ctxCloned = AddPhoton(ctxCloned, "newPhoton")
	msgCloned := formatMessage(ctxCloned, "testing message num=%d", 4521)
	assert.Equal("photon=newPhoton deployment=gpt2-chat-dep request=req1 worker=http://127.0.0.1:21002 taskID=9427 customKey=customVal testing message num=4521", msgCloned)
	// old context shouldn't change
	msg = formatMessage(ctx, "testing message num=%d", 452)
	assert.Equal("photon=gpt2-chat deployment=gpt2-chat-dep request=req1 worker=http://127.0.0.1:21002 taskID=9427 customKey=customVal testing message num=452", msg)
}

func TestEmptyContext(t *testing.T) {
	assert := assert.New(t)
	msg := formatMessage(context.Background(), "plain message num=%d", 7)
	assert.Equal("plain message num=7", msg)
	msg = formatMessage(nil, "plain message num=%d", 7)
	assert.Equal("plain message num=7", msg)
}

package common

import (
	"fmt"
	"strconv"
	"strings"
)

func GetReplyQueueName(clientId string) string {
	return fmt.Sprintf("%s_%s", REPLY_QUEUE_PREFIX, clientId)
}

// GetIntermediateQueueName returns the queue a stage publishes its forward output to.
// Nodes of stage+1 in the same cluster consume from it.
func GetIntermediateQueueName(cluster int, stage int) string {
	return fmt.Sprintf("%s_%d_%d", INTERMEDIATE_QUEUE_PREFIX, cluster, stage)
}

func GetGradientQueueName(stage int, clientId string) string {
	return fmt.Sprintf("%s_%d_%s", GRADIENT_QUEUE_PREFIX, stage, clientId)
}

// IsProtocolQueue reports whether the queue belongs to the training protocol and
// should be removed before a fresh run.
func IsProtocolQueue(name string) bool {
	for _, prefix := range []string{REPLY_QUEUE_PREFIX, INTERMEDIATE_QUEUE_PREFIX, GRADIENT_QUEUE_PREFIX, RPC_QUEUE} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SplitLayerKey splits a parameter key of the form "<layer>.<name>".
func SplitLayerKey(key string) (int, string, error) {
	idx := strings.IndexByte(key, '.')
	if idx <= 0 {
		return 0, "", fmt.Errorf("parameter key %q has no layer index", key)
	}
	layer, err := strconv.Atoi(key[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("parameter key %q has no layer index: %w", key, err)
	}
	return layer, key[idx+1:], nil
}

func JoinLayerKey(layer int, name string) string {
	return fmt.Sprintf("%d.%s", layer, name)
}

func CalculateAverageFloat64(numbers []float64) float64 {
	if len(numbers) == 0 {
		return 0
	}

	var sum float64
	for _, number := range numbers {
		sum += number
	}

	return sum / float64(len(numbers))
}

func SumInts(numbers []int) int {
	sum := 0
	for _, n := range numbers {
		sum += n
	}
	return sum
}

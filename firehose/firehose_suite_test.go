package firehose

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestFirehose(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "firehose bucket cache")
}

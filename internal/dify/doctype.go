package dify

import "strings"

// Normalized document types understood by the dataset metadata filters
const (
	DocTypeOperation = "操作类文档"
	DocTypeOverview  = "概述类文档"
)

var operationKeywords = []string{
	"操作", "教程", "指南", "步骤", "如何", "怎么",
	"tutorial", "guide", "how", "step",
}

// NormalizeDocType maps a free-form classification onto one of the two
// normalized types. Anything that reads like instructions is an operation
// document; everything else, including an empty tag, is an overview.
func NormalizeDocType(docType string) string {
	lower := strings.ToLower(docType)
	for _, kw := range operationKeywords {
		if strings.Contains(lower, kw) {
			return DocTypeOperation
		}
	}
	return DocTypeOverview
}

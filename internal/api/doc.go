// Package api 通过 REST 接口暴露流水线的创建、查询与取消。
package api

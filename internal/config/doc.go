// Package config 负责加载 listend 的 JSON 配置并填充默认值。
package config

// Package submit 提供交易签名提交端的实现：进程内记录器与基于 RabbitMQ 的签名请求发布者。
package submit

package redis

// ProvisionScript is the server-side provisioning RPC, executed atomically
// via EVAL. Given a device identity and a minimum room id it returns the
// existing mapping or allocates the next id (never below the minimum),
// seeding a default "off" desired snapshot exactly once. Re-running it with
// the same device id always yields the same room id.
const ProvisionScript = `local dev = ARGV[1]
local base = tonumber(ARGV[2]) or 100
local rid = redis.call('GET','device:'..dev..':room')
if rid then return rid end
local next_id = redis.call('INCR','rooms:next_id')
if next_id < base then
  next_id = base
  redis.call('SET','rooms:next_id',base)
end
rid = tostring(next_id)
redis.call('SET','device:'..dev..':room',rid)
redis.call('SET','room:'..rid..':device',dev)
if redis.call('EXISTS','room:'..rid..':desired') == 0 then
  redis.call('SET','room:'..rid..':desired','{"mode":"off","brightness":0,"ver":0}')
end
return rid
`
